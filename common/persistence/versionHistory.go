// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package persistence

import (
	"bytes"
	"fmt"

	"github.com/durableflow/durableflow/common/types"
)

// EmptyVersion marks a version history item with no branch version yet
// assigned (a single-branch run that has never forked).
const EmptyVersion = -1

// FirstEventID is the ID of the first event of any run.
const FirstEventID int64 = 1

// VersionHistoryItem records the last event ID written under a given branch
// version. A run's VersionHistory is a list of these, strictly increasing in
// both version and event ID.
type VersionHistoryItem struct {
	eventID int64
	version int64
}

// NewVersionHistoryItem create a new version history item
func NewVersionHistoryItem(
	inputEventID int64,
	inputVersion int64,
) *VersionHistoryItem {

	if inputEventID < 0 || (inputVersion < 0 && inputVersion != EmptyVersion) {
		panic(fmt.Sprintf(
			"invalid version history item event ID: %v, version: %v",
			inputEventID,
			inputVersion,
		))
	}

	return &VersionHistoryItem{eventID: inputEventID, version: inputVersion}
}

// Duplicate duplicate VersionHistoryItem
func (item *VersionHistoryItem) Duplicate() *VersionHistoryItem {
	return NewVersionHistoryItem(item.eventID, item.version)
}

// GetEventID return the event ID
func (item *VersionHistoryItem) GetEventID() int64 {
	return item.eventID
}

// GetVersion return the branch version
func (item *VersionHistoryItem) GetVersion() int64 {
	return item.version
}

// Equals test if this version history item equals to another
func (item *VersionHistoryItem) Equals(input *VersionHistoryItem) bool {
	return item.version == input.version && item.eventID == input.eventID
}

// VersionHistory provide operations on top of a versioned history
type VersionHistory struct {
	branchToken []byte
	items       []*VersionHistoryItem
}

// NewVersionHistory create a new version history
func NewVersionHistory(branchToken []byte, items []*VersionHistoryItem) *VersionHistory {
	token := make([]byte, len(branchToken))
	copy(token, branchToken)

	v := &VersionHistory{branchToken: token}
	for _, item := range items {
		if err := v.AddOrUpdateItem(item.Duplicate()); err != nil {
			panic(fmt.Sprintf("unable to initialize version history: %v", err))
		}
	}
	return v
}

// Duplicate duplicate VersionHistory
func (v *VersionHistory) Duplicate() *VersionHistory {
	return NewVersionHistory(v.branchToken, v.items)
}

// SetBranchToken overwrites the branch token
func (v *VersionHistory) SetBranchToken(token []byte) {
	b := make([]byte, len(token))
	copy(b, token)
	v.branchToken = b
}

// GetBranchToken return the branch token
func (v *VersionHistory) GetBranchToken() []byte {
	token := make([]byte, len(v.branchToken))
	copy(token, v.branchToken)
	return token
}

// AddOrUpdateItem update the versionHistory slice
func (v *VersionHistory) AddOrUpdateItem(item *VersionHistoryItem) error {
	if len(v.items) == 0 {
		v.items = []*VersionHistoryItem{item.Duplicate()}
		return nil
	}

	lastItem := v.items[len(v.items)-1]
	if item.version < lastItem.version {
		return fmt.Errorf("cannot update version history with a lower version %v, last version %v", item.version, lastItem.version)
	}

	if item.eventID <= lastItem.eventID {
		return fmt.Errorf("cannot add version history with a lower event id %v, last event id %v", item.eventID, lastItem.eventID)
	}

	if item.version > lastItem.version {
		v.items = append(v.items, item.Duplicate())
	} else {
		lastItem.eventID = item.eventID
	}
	return nil
}

// ContainsItem check whether given version history item is included
func (v *VersionHistory) ContainsItem(item *VersionHistoryItem) bool {
	prevEventID := FirstEventID - 1
	for _, currentItem := range v.items {
		if item.GetVersion() == currentItem.GetVersion() {
			if prevEventID < item.GetEventID() && item.GetEventID() <= currentItem.GetEventID() {
				return true
			}
		} else if item.GetVersion() < currentItem.GetVersion() {
			return false
		}
		prevEventID = currentItem.GetEventID()
	}
	return false
}

// FindLCAItem returns the lowest common ancestor version history item
func (v *VersionHistory) FindLCAItem(remote *VersionHistory) (*VersionHistoryItem, error) {
	localIndex := len(v.items) - 1
	remoteIndex := len(remote.items) - 1

	for localIndex >= 0 && remoteIndex >= 0 {
		localVersionItem := v.items[localIndex]
		remoteVersionItem := remote.items[remoteIndex]

		if localVersionItem.version == remoteVersionItem.version {
			if localVersionItem.eventID > remoteVersionItem.eventID {
				return remoteVersionItem.Duplicate(), nil
			}
			return localVersionItem.Duplicate(), nil
		} else if localVersionItem.version > remoteVersionItem.version {
			localIndex--
		} else {
			remoteIndex--
		}
	}

	return nil, fmt.Errorf("version history is malformed: no joint point found")
}

// GetFirstItem return the first version history item
func (v *VersionHistory) GetFirstItem() (*VersionHistoryItem, error) {
	if len(v.items) == 0 {
		return nil, fmt.Errorf("version history is empty")
	}
	return v.items[0].Duplicate(), nil
}

// GetLastItem return the last version history item
func (v *VersionHistory) GetLastItem() (*VersionHistoryItem, error) {
	if len(v.items) == 0 {
		return nil, fmt.Errorf("version history is empty")
	}
	return v.items[len(v.items)-1].Duplicate(), nil
}

// IsEmpty indicate whether version history is empty
func (v *VersionHistory) IsEmpty() bool {
	return len(v.items) == 0
}

// Equals test if this version history equals to another
func (v *VersionHistory) Equals(input *VersionHistory) bool {
	if !bytes.Equal(v.branchToken, input.branchToken) {
		return false
	}
	if len(v.items) != len(input.items) {
		return false
	}
	for i, item := range v.items {
		if !item.Equals(input.items[i]) {
			return false
		}
	}
	return true
}

// VersionHistories contains a set of VersionHistory
type VersionHistories struct {
	currentVersionHistoryIndex int
	histories                  []*VersionHistory
}

// NewVersionHistories create a new VersionHistories
func NewVersionHistories(versionHistory *VersionHistory) *VersionHistories {
	if versionHistory == nil {
		panic("version history cannot be nil")
	}
	return &VersionHistories{
		currentVersionHistoryIndex: 0,
		histories:                  []*VersionHistory{versionHistory},
	}
}

// GetVersionHistory get the version history according to index provided
func (h *VersionHistories) GetVersionHistory(branchIndex int) (*VersionHistory, error) {
	if branchIndex < 0 || branchIndex >= len(h.histories) {
		return nil, fmt.Errorf("invalid branch index: %v", branchIndex)
	}
	return h.histories[branchIndex], nil
}

// AddVersionHistory add a new version history, switching the current branch
// to it if its last item is a later version than the current branch's.
func (h *VersionHistories) AddVersionHistory(v *VersionHistory) (bool, int, error) {
	if v == nil {
		return false, 0, fmt.Errorf("version history cannot be nil")
	}

	incomingFirstItem, err := v.GetFirstItem()
	if err != nil {
		return false, 0, err
	}

	currentVersionHistory, err := h.GetVersionHistory(h.currentVersionHistoryIndex)
	if err != nil {
		return false, 0, err
	}
	currentFirstItem, err := currentVersionHistory.GetFirstItem()
	if err != nil {
		return false, 0, err
	}

	if incomingFirstItem.version != currentFirstItem.version {
		return false, 0, fmt.Errorf("version history first item does not match")
	}

	h.histories = append(h.histories, v.Duplicate())
	newVersionHistoryIndex := len(h.histories) - 1

	newLastItem, err := h.histories[newVersionHistoryIndex].GetLastItem()
	if err != nil {
		return false, 0, err
	}
	currentLastItem, err := currentVersionHistory.GetLastItem()
	if err != nil {
		return false, 0, err
	}

	if newLastItem.version > currentLastItem.version {
		h.currentVersionHistoryIndex = newVersionHistoryIndex
		return true, newVersionHistoryIndex, nil
	}
	return false, newVersionHistoryIndex, nil
}

// FindLCAVersionHistoryIndexAndItem finds the lowest common ancestor item
// among all branches, picking the branch whose LCA sits at the highest event
// ID (ties broken by the shorter branch).
func (h *VersionHistories) FindLCAVersionHistoryIndexAndItem(
	incomingHistory *VersionHistory,
) (int, *VersionHistoryItem, error) {

	var index int
	var length int
	var lcaItem *VersionHistoryItem

	for i, localHistory := range h.histories {
		item, err := localHistory.FindLCAItem(incomingHistory)
		if err != nil {
			return 0, nil, err
		}

		if lcaItem == nil ||
			item.eventID > lcaItem.eventID ||
			(item.eventID == lcaItem.eventID && len(localHistory.items) < length) {
			index = i
			length = len(localHistory.items)
			lcaItem = item
		}
	}
	return index, lcaItem, nil
}

// GetCurrentVersionHistoryIndex return the index of current branch
func (h *VersionHistories) GetCurrentVersionHistoryIndex() int {
	return h.currentVersionHistoryIndex
}

// GetCurrentVersionHistory return the current version history
func (h *VersionHistories) GetCurrentVersionHistory() (*VersionHistory, error) {
	return h.GetVersionHistory(h.currentVersionHistoryIndex)
}

// BranchCount returns how many branches have been recorded.
func (h *VersionHistories) BranchCount() int {
	return len(h.histories)
}

// ReconcileAppend checks whether a batch of events about to be appended to a
// run's current branch is consistent with every other recorded branch: if
// another branch's last item claims a higher version at an event ID this
// batch would also claim, the append is rejected rather than silently
// diverging the run's history. service/history calls this before
// HistoryStore.AppendEvents for every run it tracks; the check engages only
// once AddVersionHistory has recorded a second branch, and service/history
// itself records only each run's initial branch.
func ReconcileAppend(h *VersionHistories, events []*types.HistoryEvent, branchVersion int64) error {
	if len(events) == 0 || h.BranchCount() <= 1 {
		// A run that has never forked cannot diverge; the store's
		// contiguity check is the only guard needed.
		return nil
	}
	first := events[0]
	last := events[len(events)-1]
	incoming := NewVersionHistory(nil, []*VersionHistoryItem{
		NewVersionHistoryItem(first.EventID-1, EmptyVersion),
		NewVersionHistoryItem(last.EventID, branchVersion),
	})

	_, lca, err := h.FindLCAVersionHistoryIndexAndItem(incoming)
	if err != nil {
		return fmt.Errorf("reconcile append: %w", err)
	}
	if lca.GetEventID() < first.EventID-1 {
		return fmt.Errorf("reconcile append: branch has diverged before event %d, joint point is %d", first.EventID, lca.GetEventID())
	}
	return nil
}
