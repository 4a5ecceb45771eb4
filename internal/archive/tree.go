// Package archive builds ZIP archives and DICOM media from sets of resources.
package archive

import (
	"sort"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// node is one resource of the archive tree. A node with expand set stands
// for all of its descendants, which are loaded by expand.
type node struct {
	level    models.ResourceType
	publicID string
	expand   bool
	tags     models.DicomMap
	children map[string]*node
	file     models.FileInfo
}

func newNode(level models.ResourceType, publicID string) *node {
	return &node{level: level, publicID: publicID, children: make(map[string]*node)}
}

func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].publicID < out[j].publicID })
	return out
}

// Tree is the Patient, Study, Series, Instance hierarchy of an archive
type Tree struct {
	root *node
}

// NewTree returns an empty tree
func NewTree() *Tree {
	return &Tree{root: newNode(0, "")}
}

// Add records a resource given its ancestry, patient first. Adding an
// ancestor of resources already present replaces them; adding a descendant
// of an expanded resource is a no-op.
func (t *Tree) Add(path []index.ResourceRef) {
	current := t.root
	for i, ref := range path {
		child, ok := current.children[ref.PublicID]
		if !ok {
			child = newNode(ref.Level, ref.PublicID)
			current.children[ref.PublicID] = child
		}
		if child.expand {
			return
		}
		if i == len(path)-1 {
			child.expand = true
			child.children = make(map[string]*node)
		}
		current = child
	}
}

// Empty reports whether no resource was added
func (t *Tree) Empty() bool {
	return len(t.root.children) == 0
}

// ancestry resolves a public id and its ancestors, patient first
func ancestry(tx *index.Tx, publicID string) ([]index.ResourceRef, error) {
	ref, found, err := tx.LookupResource(publicID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errcode.Newf(errcode.UnknownResource, "unknown resource: %s", publicID)
	}
	path := []index.ResourceRef{ref}
	for current := ref.ID; ; {
		parent, ok, err := tx.GetParent(current)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		parentRef, err := tx.Ref(parent)
		if err != nil {
			return nil, err
		}
		path = append([]index.ResourceRef{parentRef}, path...)
		current = parent
	}
	return path, nil
}

// expand loads the descendants of expanded nodes, the main tags of every node
// and the DICOM attachment of every instance. Instances without attachment are
// dropped.
func (t *Tree) expand(tx *index.Tx) error {
	for _, child := range t.root.children {
		if err := expandNode(tx, child); err != nil {
			return err
		}
	}
	return nil
}

func expandNode(tx *index.Tx, n *node) error {
	self, found, err := tx.LookupResource(n.publicID)
	if err != nil {
		return err
	}
	if !found {
		return errcode.Newf(errcode.UnknownResource, "unknown resource: %s", n.publicID)
	}

	tags, err := tx.Backend().GetMainDicomTags(self.ID)
	if err != nil {
		return errcode.Wrap(errcode.Database, err, "cannot read main DICOM tags")
	}
	n.tags = tags

	if n.level == models.ResourceInstance {
		info, _, ok, err := tx.GetAttachment(self.ID, models.ContentDicom)
		if err != nil {
			return err
		}
		if ok {
			n.file = info
		}
		return nil
	}

	if n.expand {
		children, err := tx.GetChildren(self.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			ref, err := tx.Ref(c)
			if err != nil {
				return err
			}
			child := newNode(ref.Level, ref.PublicID)
			child.expand = true
			n.children[ref.PublicID] = child
		}
	}

	for publicID, child := range n.children {
		if err := expandNode(tx, child); err != nil {
			return err
		}
		if child.level == models.ResourceInstance && child.file.UUID == "" {
			delete(n.children, publicID)
		}
	}
	return nil
}

// visitor walks an expanded tree in public id order
type visitor interface {
	open(n *node)
	close()
	addInstance(n *node)
}

func (t *Tree) apply(v visitor) {
	for _, child := range t.root.sortedChildren() {
		walk(child, v)
	}
}

func walk(n *node, v visitor) {
	if n.level == models.ResourceInstance {
		v.addInstance(n)
		return
	}
	v.open(n)
	for _, child := range n.sortedChildren() {
		walk(child, v)
	}
	v.close()
}
