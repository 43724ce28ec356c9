/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package revtree provides the per-document revision tree: a forest of
// revisions linked by parent pointers, with conflict detection, pruning
// and idempotent history insertion.
//
// Revisions live in a flat arena indexed by position; parent links are
// indices rather than pointers, and the leaf set is maintained
// incrementally as revisions are inserted.
package revtree

import (
	"fmt"
	"sort"

	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

// Flags describe a single revision.
type Flags uint8

const (
	// Deleted marks a tombstone revision.
	Deleted Flags = 1 << iota

	// HasAttachments marks a revision whose body references blobs.
	HasAttachments

	// KeepBody keeps the body of a non-leaf revision across pruning.
	KeepBody

	// Leaf marks a revision with no children.
	Leaf

	// Conflict marks a leaf that lost the current-revision election while
	// another non-deleted leaf exists.
	Conflict
)

// RemoteID identifies a remote peer for ancestor tracking. Zero is
// reserved.
type RemoteID uint64

const noParent = int32(-1)

type rev struct {
	id       vtime.RevID
	parent   int32
	flags    Flags
	body     []byte
	sequence uint64
}

func (r *rev) isLeaf() bool    { return r.flags&Leaf != 0 }
func (r *rev) isDeleted() bool { return r.flags&Deleted != 0 }

// RevInfo is the externally visible view of a revision.
type RevInfo struct {
	ID       vtime.RevID
	Parent   vtime.RevID
	Flags    Flags
	Body     []byte
	Sequence uint64
}

// IsLeaf returns whether the revision has no children.
func (ri RevInfo) IsLeaf() bool { return ri.Flags&Leaf != 0 }

// IsDeleted returns whether the revision is a tombstone.
func (ri RevInfo) IsDeleted() bool { return ri.Flags&Deleted != 0 }

// Tree is a document's revision tree.
type Tree struct {
	revs    []rev
	byID    map[string]int32
	current int32
	remotes map[RemoteID]int32
}

// New creates an empty revision tree.
func New() *Tree {
	return &Tree{
		byID:    make(map[string]int32),
		current: noParent,
		remotes: make(map[RemoteID]int32),
	}
}

// Len returns the number of revisions in the tree.
func (t *Tree) Len() int {
	return len(t.revs)
}

// Current returns the current revision, the deterministically selected
// leaf: the non-deleted leaf with the highest (generation, revID) pair,
// or if every leaf is deleted, the highest deleted one.
func (t *Tree) Current() (RevInfo, bool) {
	if t.current == noParent {
		return RevInfo{}, false
	}
	return t.info(t.current), true
}

// Get returns the revision with the given ID.
func (t *Tree) Get(id vtime.RevID) (RevInfo, bool) {
	idx, ok := t.byID[id.String()]
	if !ok {
		return RevInfo{}, false
	}
	return t.info(idx), true
}

// Contains returns whether the tree holds the given revision.
func (t *Tree) Contains(id vtime.RevID) bool {
	_, ok := t.byID[id.String()]
	return ok
}

// Parent returns the parent of the given revision.
func (t *Tree) Parent(id vtime.RevID) (RevInfo, bool) {
	idx, ok := t.byID[id.String()]
	if !ok || t.revs[idx].parent == noParent {
		return RevInfo{}, false
	}
	return t.info(t.revs[idx].parent), true
}

// Leaves returns every leaf, ordered by descending (generation, revID),
// so the current revision of an unconflicted document comes first.
func (t *Tree) Leaves() []RevInfo {
	var leaves []RevInfo
	for i := range t.revs {
		if t.revs[i].isLeaf() {
			leaves = append(leaves, t.info(int32(i)))
		}
	}
	sortRevInfos(leaves)
	return leaves
}

// Next returns the revision following the given one in arena order,
// used to walk every revision of a document.
func (t *Tree) Next(id vtime.RevID) (RevInfo, bool) {
	idx, ok := t.byID[id.String()]
	if !ok || int(idx)+1 >= len(t.revs) {
		return RevInfo{}, false
	}
	return t.info(idx + 1), true
}

// First returns the first revision in arena order.
func (t *Tree) First() (RevInfo, bool) {
	if len(t.revs) == 0 {
		return RevInfo{}, false
	}
	return t.info(0), true
}

// NextLeaf returns the leaf following the given one in descending
// (generation, revID) order.
func (t *Tree) NextLeaf(id vtime.RevID) (RevInfo, bool) {
	leaves := t.Leaves()
	for i, leaf := range leaves {
		if leaf.ID.Equals(id) {
			if i+1 < len(leaves) {
				return leaves[i+1], true
			}
			return RevInfo{}, false
		}
	}
	return RevInfo{}, false
}

// CommonAncestor returns the deepest revision that is an ancestor of both
// given revisions.
func (t *Tree) CommonAncestor(a, b vtime.RevID) (RevInfo, bool) {
	ai, aok := t.byID[a.String()]
	bi, bok := t.byID[b.String()]
	if !aok || !bok {
		return RevInfo{}, false
	}

	ancestors := make(map[int32]bool)
	for i := ai; i != noParent; i = t.revs[i].parent {
		ancestors[i] = true
	}
	for i := bi; i != noParent; i = t.revs[i].parent {
		if ancestors[i] {
			return t.info(i), true
		}
	}
	return RevInfo{}, false
}

// Conflicted returns whether more than one non-deleted leaf exists.
func (t *Tree) Conflicted() bool {
	live := 0
	for i := range t.revs {
		if t.revs[i].isLeaf() && !t.revs[i].isDeleted() {
			live++
		}
	}
	return live > 1
}

// Insert adds a new revision whose parent already exists in the tree, or
// a genesis revision when parentID is the null RevID. Inserting a
// non-deleted revision whose parent is not the current leaf fails with a
// conflict error unless allowConflict is set.
func (t *Tree) Insert(
	id vtime.RevID,
	body []byte,
	parentID vtime.RevID,
	flags Flags,
	allowConflict bool,
) error {
	if t.Contains(id) {
		return errors.Conflict(fmt.Sprintf("revision %s already exists", id))
	}

	parentIdx := noParent
	if !parentID.IsZero() {
		idx, ok := t.byID[parentID.String()]
		if !ok {
			return errors.NotFound(fmt.Sprintf("parent revision %s not found", parentID))
		}
		parentIdx = idx

		if !t.revs[idx].isLeaf() && !allowConflict {
			return errors.Conflict(fmt.Sprintf("parent %s is not a leaf", parentID))
		}
		if flags&Deleted == 0 && !allowConflict && idx != t.current && t.current != noParent {
			return errors.Conflict(fmt.Sprintf("parent %s is not the current revision", parentID))
		}
	} else if t.current != noParent && flags&Deleted == 0 && !allowConflict {
		// A second root creates a conflicting branch.
		return errors.Conflict("document already exists")
	}

	if id.Form() == vtime.FormTree && !parentID.IsZero() &&
		id.Generation() != parentID.Generation()+1 {
		return errors.InvalidArgument(fmt.Sprintf(
			"revision %s generation must be %d", id, parentID.Generation()+1))
	}

	t.append(id, body, parentIdx, flags)
	t.electCurrent()
	return nil
}

// InsertHistory idempotently inserts the revision history[0] with the
// given body, linking through the ancestor chain history[1:], newest to
// oldest. Ancestors already present are reused; unknown ones are created
// as body-less stubs. It returns the number of revisions added; zero
// means the revision was already known.
func (t *Tree) InsertHistory(history []vtime.RevID, body []byte, flags Flags) (int, error) {
	if len(history) == 0 {
		return 0, errors.InvalidArgument("empty revision history")
	}
	if t.Contains(history[0]) {
		return 0, nil
	}

	// Find the oldest entry not yet in the tree; everything past it is the
	// common ancestor chain.
	start := len(history)
	parentIdx := noParent
	for i, id := range history {
		if idx, ok := t.byID[id.String()]; ok {
			start = i
			parentIdx = idx
			break
		}
	}

	// Insert stubs oldest-first so each links to its parent.
	added := 0
	for i := start - 1; i >= 1; i-- {
		t.append(history[i], nil, parentIdx, 0)
		parentIdx = int32(len(t.revs) - 1)
		added++
	}

	t.append(history[0], body, parentIdx, flags)
	added++
	t.electCurrent()
	return added, nil
}

// Purge removes the given revision and all of its descendants. It returns
// the number of revisions removed; the document itself is gone when the
// tree is left empty.
func (t *Tree) Purge(id vtime.RevID) (int, error) {
	idx, ok := t.byID[id.String()]
	if !ok {
		return 0, errors.NotFound(fmt.Sprintf("revision %s not found", id))
	}

	doomed := map[int32]bool{idx: true}
	changed := true
	for changed {
		changed = false
		for i := range t.revs {
			p := t.revs[i].parent
			if p != noParent && doomed[p] && !doomed[int32(i)] {
				doomed[int32(i)] = true
				changed = true
			}
		}
	}

	t.compactOut(doomed)
	return len(doomed), nil
}

// Prune enforces the retention policy: no branch keeps revisions further
// than maxDepth generations behind its leaf, and the tree keeps at most
// maxRevs revisions overall. Leaves, revisions flagged KeepBody, and the
// ancestors tracked for remote peers survive. It returns the number of
// revisions removed.
func (t *Tree) Prune(maxDepth, maxRevs int) int {
	if maxDepth <= 0 || len(t.revs) == 0 {
		return 0
	}

	keep := make(map[int32]bool)
	for i := range t.revs {
		if !t.revs[i].isLeaf() {
			continue
		}
		depth := 0
		for j := int32(i); j != noParent && depth < maxDepth; j = t.revs[j].parent {
			keep[j] = true
			depth++
		}
	}

	// The segment from a leaf back to a tracked remote ancestor stays
	// intact, so the history sent to that peer remains connected.
	for _, ancestorIdx := range t.remotes {
		for i := range t.revs {
			if !t.revs[i].isLeaf() {
				continue
			}
			var segment []int32
			for j := int32(i); j != noParent; j = t.revs[j].parent {
				segment = append(segment, j)
				if j == ancestorIdx {
					for _, idx := range segment {
						keep[idx] = true
					}
					break
				}
			}
		}
		keep[ancestorIdx] = true
	}
	for i := range t.revs {
		if t.revs[i].flags&KeepBody != 0 {
			keep[int32(i)] = true
		}
	}

	if maxRevs > 0 && len(keep) > maxRevs {
		// Shed the deepest non-leaf ancestors first.
		kept := make([]int32, 0, len(keep))
		for idx := range keep {
			kept = append(kept, idx)
		}
		sortByDepth(t, kept)
		for _, idx := range kept {
			if len(keep) <= maxRevs {
				break
			}
			if !t.revs[idx].isLeaf() {
				delete(keep, idx)
			}
		}
	}

	doomed := make(map[int32]bool)
	for i := range t.revs {
		if !keep[int32(i)] {
			doomed[int32(i)] = true
		}
	}
	if len(doomed) == 0 {
		return 0
	}

	t.compactOut(doomed)
	return len(doomed)
}

// ResolveConflict resolves a conflict by marking the losing leaf deleted
// and, when a merged body is given, inserting it as a child of the
// winner. It returns the resulting current revision ID.
func (t *Tree) ResolveConflict(
	winnerID, loserID vtime.RevID,
	mergedBody []byte,
	mergedFlags Flags,
) (vtime.RevID, error) {
	winnerIdx, ok := t.byID[winnerID.String()]
	if !ok {
		return vtime.NullRevID, errors.NotFound(fmt.Sprintf("winner %s not found", winnerID))
	}
	loserIdx, ok := t.byID[loserID.String()]
	if !ok {
		return vtime.NullRevID, errors.NotFound(fmt.Sprintf("loser %s not found", loserID))
	}
	if !t.revs[winnerIdx].isLeaf() || !t.revs[loserIdx].isLeaf() {
		return vtime.NullRevID, errors.InvalidArgument("conflict resolution requires two leaves")
	}

	t.revs[loserIdx].flags |= Deleted

	if mergedBody != nil {
		mergedID := vtime.MakeRevID(t.revs[winnerIdx].id, mergedFlags&Deleted != 0, mergedBody)
		t.append(mergedID, mergedBody, winnerIdx, mergedFlags)
	}

	t.electCurrent()
	current, _ := t.Current()
	return current.ID, nil
}

// SetBody attaches a body to an existing revision, used when the current
// body is stored outside the meta blob.
func (t *Tree) SetBody(id vtime.RevID, body []byte) {
	if idx, ok := t.byID[id.String()]; ok {
		t.revs[idx].body = body
	}
}

// SetSequence records the sequence a revision was persisted at.
func (t *Tree) SetSequence(id vtime.RevID, seq uint64) {
	if idx, ok := t.byID[id.String()]; ok {
		t.revs[idx].sequence = seq
	}
}

// MaxSequence returns the highest sequence of any persisted revision.
func (t *Tree) MaxSequence() uint64 {
	var max uint64
	for i := range t.revs {
		if t.revs[i].sequence > max {
			max = t.revs[i].sequence
		}
	}
	return max
}

// SetRemoteAncestor records the latest revision known to the given remote.
func (t *Tree) SetRemoteAncestor(remote RemoteID, id vtime.RevID) error {
	idx, ok := t.byID[id.String()]
	if !ok {
		return errors.NotFound(fmt.Sprintf("revision %s not found", id))
	}
	t.remotes[remote] = idx
	return nil
}

// RemoteAncestor returns the latest revision known to the given remote.
func (t *Tree) RemoteAncestor(remote RemoteID) (RevInfo, bool) {
	idx, ok := t.remotes[remote]
	if !ok {
		return RevInfo{}, false
	}
	return t.info(idx), true
}

// History returns the ancestor chain of the given revision, newest first,
// including the revision itself.
func (t *Tree) History(id vtime.RevID) []vtime.RevID {
	idx, ok := t.byID[id.String()]
	if !ok {
		return nil
	}
	var history []vtime.RevID
	for i := idx; i != noParent; i = t.revs[i].parent {
		history = append(history, t.revs[i].id)
	}
	return history
}

func (t *Tree) info(idx int32) RevInfo {
	r := &t.revs[idx]
	ri := RevInfo{
		ID:       r.id,
		Flags:    r.flags,
		Body:     r.body,
		Sequence: r.sequence,
	}
	if r.parent != noParent {
		ri.Parent = t.revs[r.parent].id
	}
	return ri
}

func (t *Tree) append(id vtime.RevID, body []byte, parentIdx int32, flags Flags) {
	if parentIdx != noParent {
		t.revs[parentIdx].flags &^= Leaf
	}
	t.revs = append(t.revs, rev{
		id:     id,
		parent: parentIdx,
		flags:  (flags &^ Conflict) | Leaf,
		body:   body,
	})
	t.byID[id.String()] = int32(len(t.revs) - 1)
}

// electCurrent re-selects the current leaf and refreshes conflict flags.
func (t *Tree) electCurrent() {
	best := noParent
	bestDeleted := true
	liveLeaves := 0

	for i := range t.revs {
		r := &t.revs[i]
		if !r.isLeaf() {
			r.flags &^= Conflict
			continue
		}
		if !r.isDeleted() {
			liveLeaves++
		}

		switch {
		case best == noParent:
			best, bestDeleted = int32(i), r.isDeleted()
		case bestDeleted && !r.isDeleted():
			best, bestDeleted = int32(i), false
		case bestDeleted == r.isDeleted() && r.id.Compare(t.revs[best].id) > 0:
			best, bestDeleted = int32(i), r.isDeleted()
		}
	}
	t.current = best

	for i := range t.revs {
		r := &t.revs[i]
		if r.isLeaf() && !r.isDeleted() && int32(i) != t.current && liveLeaves > 1 {
			r.flags |= Conflict
		} else {
			r.flags &^= Conflict
		}
	}
}

// compactOut rebuilds the arena without the doomed revisions.
func (t *Tree) compactOut(doomed map[int32]bool) {
	remap := make(map[int32]int32, len(t.revs))
	var revs []rev
	for i := range t.revs {
		if doomed[int32(i)] {
			continue
		}
		remap[int32(i)] = int32(len(revs))
		revs = append(revs, t.revs[i])
	}

	byID := make(map[string]int32, len(revs))
	for i := range revs {
		if p := revs[i].parent; p != noParent {
			if np, ok := remap[p]; ok {
				revs[i].parent = np
			} else {
				revs[i].parent = noParent
			}
		}
		byID[revs[i].id.String()] = int32(i)
	}

	remotes := make(map[RemoteID]int32)
	for remote, idx := range t.remotes {
		if np, ok := remap[idx]; ok {
			remotes[remote] = np
		}
	}

	t.revs = revs
	t.byID = byID
	t.remotes = remotes

	// Recompute leaf flags: a revision is a leaf when nothing points at it.
	hasChild := make([]bool, len(t.revs))
	for i := range t.revs {
		if p := t.revs[i].parent; p != noParent {
			hasChild[p] = true
		}
	}
	for i := range t.revs {
		if hasChild[i] {
			t.revs[i].flags &^= Leaf
		} else {
			t.revs[i].flags |= Leaf
		}
	}
	t.electCurrent()
}

func sortRevInfos(infos []RevInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID.Compare(infos[j].ID) > 0
	})
}

func sortByDepth(t *Tree, idxs []int32) {
	depth := func(idx int32) int {
		d := 0
		for i := idx; i != noParent; i = t.revs[i].parent {
			d++
		}
		return d
	}
	sort.Slice(idxs, func(i, j int) bool {
		return depth(idxs[i]) < depth(idxs[j])
	})
}
