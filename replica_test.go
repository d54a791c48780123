package replica

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestArrayMutations(t *testing.T) {
	registry := NewRegistry(newRecordingSender())
	r, token := registry.CreateReplica([]string{"inventory"}, map[string]any{
		"items": []any{10, 20},
	})

	index, err := r.ArrayInsert(token, ParsePath("items"), 15, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, index)
	items, ok := r.Get(ParsePath("items"))
	assert.Equal(t, true, ok)
	assert.Equal(t, []any{10, 15, 20}, items)

	removed, err := r.ArrayRemove(token, ParsePath("items"), 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 10, removed)
	items, ok = r.Get(ParsePath("items"))
	assert.Equal(t, true, ok)
	assert.Equal(t, []any{15, 20}, items)

	// append
	index, err = r.ArrayInsert(token, ParsePath("items"), 30, -1)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, index)

	// bounds
	_, err = r.ArrayRemove(token, ParsePath("items"), 3)
	assert.Equal(t, true, errors.Is(err, ErrIndexOutOfRange))
	_, err = r.ArrayInsert(token, ParsePath("items"), 40, 10)
	assert.Equal(t, true, errors.Is(err, ErrIndexOutOfRange))

	// not an array
	_, err = r.ArrayInsert(token, ParsePath("missing"), 1, -1)
	assert.Equal(t, true, errors.Is(err, ErrInvalidPath))
	_, err = r.ArrayRemove(token, ParsePath("items.0"), 0)
	assert.Equal(t, true, errors.Is(err, ErrInvalidPath))
}

func TestUnauthorizedWrite(t *testing.T) {
	registry := NewRegistry(newRecordingSender())
	r, token := registry.CreateReplica([]string{"a"}, nil)
	other, otherToken := registry.CreateReplica([]string{"b"}, nil)

	_, err := r.SetValue(nil, ParsePath("x"), 1)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	// another replica's token does not authorize
	_, err = r.SetValue(otherToken, ParsePath("x"), 1)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	// a forged token does not authorize
	_, err = r.SetValue(newWriteToken(), ParsePath("x"), 1)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	err = r.SetParent(nil, other)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))
	err = r.Destroy(nil)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))
	_, err = r.ArrayInsert(nil, ParsePath("items"), 1, -1)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))
	_, err = r.ArrayRemove(nil, ParsePath("items"), 0)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	_, err = r.SetValue(token, ParsePath("x"), 1)
	assert.Equal(t, nil, err)
}

func TestSetParent(t *testing.T) {
	registry := NewRegistry(newRecordingSender())
	parent, parentToken := registry.CreateReplica([]string{"parent"}, nil)
	child, childToken := registry.CreateReplica([]string{"child"}, nil)

	err := child.SetParent(childToken, parent)
	assert.Equal(t, nil, err)
	assert.Equal(t, parent, child.Parent())
	assert.Equal(t, parent.Id(), child.ParentId())
	assert.Equal(t, []*Replica{child}, parent.Children())

	// re-parenting detaches from the old parent
	next, _ := registry.CreateReplica([]string{"parent"}, nil)
	err = child.SetParent(childToken, next)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(parent.Children()))
	assert.Equal(t, []*Replica{child}, next.Children())

	// detach
	err = child.SetParent(childToken, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, child.Parent())
	assert.Equal(t, "", child.ParentId())
	assert.Equal(t, 0, len(next.Children()))

	// cycles are rejected
	err = parent.SetParent(parentToken, parent)
	assert.Equal(t, true, errors.Is(err, ErrCycle))
	err = child.SetParent(childToken, parent)
	assert.Equal(t, nil, err)
	err = parent.SetParent(parentToken, child)
	assert.Equal(t, true, errors.Is(err, ErrCycle))
}

func TestDestroyCascade(t *testing.T) {
	sender := newRecordingSender()
	registry := NewRegistry(sender)
	root, rootToken := registry.CreateReplica([]string{"node"}, nil)
	child, childToken := registry.CreateReplica([]string{"node"}, nil)
	grandchild, grandchildToken := registry.CreateReplica([]string{"node"}, nil)
	assert.Equal(t, nil, child.SetParent(childToken, root))
	assert.Equal(t, nil, grandchild.SetParent(grandchildToken, child))

	destination := NewId()
	for _, r := range []*Replica{root, child, grandchild} {
		registry.Subscriptions().Subscribe(destination, r)
	}
	sender.Clear()

	err := root.Destroy(rootToken)
	assert.Equal(t, nil, err)

	// children before parents, each exactly once
	destroyedIds := []string{}
	for _, action := range sender.ActionsTo(destination) {
		if destroy, ok := action.(*DestroyAction); ok {
			destroyedIds = append(destroyedIds, destroy.ReplicaId)
		}
	}
	assert.Equal(t, []string{grandchild.Id(), child.Id(), root.Id()}, destroyedIds)

	for _, r := range []*Replica{root, child, grandchild} {
		assert.Equal(t, true, r.IsDestroyed())
		assert.Equal(t, nil, registry.ReplicaById(r.Id()))
	}
	assert.Equal(t, 0, len(registry.ReplicasWithTags("node")))
	assert.Equal(t, 0, len(registry.Subscriptions().Subscribers(root.Id())))

	// mutating a destroyed replica fails fast
	_, err = root.SetValue(rootToken, ParsePath("x"), 1)
	assert.Equal(t, true, errors.Is(err, ErrDestroyed))
	err = root.Destroy(rootToken)
	assert.Equal(t, true, errors.Is(err, ErrDestroyed))
}

func TestSetValueBroadcast(t *testing.T) {
	sender := newRecordingSender()
	registry := NewRegistry(sender)
	r, token := registry.CreateReplica([]string{"a"}, nil)

	d1 := NewId()
	d2 := NewId()
	registry.Subscriptions().Subscribe(d1, r)
	registry.Subscriptions().Subscribe(d2, r)
	sender.Clear()

	_, err := r.SetValue(token, ParsePath("score"), 10)
	assert.Equal(t, nil, err)

	for _, destination := range []Id{d1, d2} {
		actions := sender.ActionsTo(destination)
		assert.Equal(t, 1, len(actions))
		update := actions[0].(*UpdateAction)
		assert.Equal(t, r.Id(), update.ReplicaId)
		assert.Equal(t, ParsePath("score"), update.Path)
		assert.Equal(t, float64(10), update.Value)
	}
}

func TestSetValueNumericKeyPath(t *testing.T) {
	sender := newRecordingSender()
	registry := NewRegistry(sender)
	r, token := registry.CreateReplica([]string{"a"}, map[string]any{
		"scores": map[string]any{"high": 9},
	})
	d := NewId()
	registry.Subscriptions().Subscribe(d, r)
	sender.Clear()

	path := Path{Key("scores"), Key("10")}
	_, err := r.SetValue(token, path, 3)
	assert.Equal(t, nil, err)

	// the sibling key survives
	scores, ok := r.Get(ParsePath("scores"))
	assert.Equal(t, true, ok)
	assert.Equal(t, map[string]any{"high": 9, "10": 3}, scores)

	// the broadcast carries the segments typed, not flattened to a
	// dotted string
	actions := sender.ActionsTo(d)
	assert.Equal(t, 1, len(actions))
	update := actions[0].(*UpdateAction)
	assert.Equal(t, path, update.Path)
}
