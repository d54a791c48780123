package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReplicaIds(t *testing.T) {
	registry := NewRegistry(newRecordingSender())

	a, _ := registry.CreateReplica([]string{"a"}, nil)
	b, _ := registry.CreateReplica([]string{"b"}, nil)
	assert.Equal(t, "1", a.Id())
	assert.Equal(t, "2", b.Id())
	assert.Equal(t, a, registry.ReplicaById("1"))
	assert.Equal(t, b, registry.ReplicaById("2"))
	assert.Equal(t, nil, registry.ReplicaById("3"))

	// ids are never reused
	aToken := a.token
	assert.Equal(t, nil, a.Destroy(aToken))
	c, _ := registry.CreateReplica([]string{"c"}, nil)
	assert.Equal(t, "3", c.Id())

	// registries are independent
	other := NewRegistry(newRecordingSender())
	d, _ := other.CreateReplica([]string{"d"}, nil)
	assert.Equal(t, "1", d.Id())
	assert.Equal(t, nil, registry.ReplicaById("1"))
}

func TestTagIntersection(t *testing.T) {
	registry := NewRegistry(newRecordingSender())

	red, _ := registry.CreateReplica([]string{"red"}, nil)
	redBig, _ := registry.CreateReplica([]string{"red", "big"}, nil)
	redBigFast, redBigFastToken := registry.CreateReplica([]string{"red", "big", "fast"}, nil)
	blue, _ := registry.CreateReplica([]string{"blue"}, nil)

	assert.Equal(t, []*Replica{}, registry.ReplicasWithTags())
	assert.Equal(t, []*Replica{red, redBig, redBigFast}, registry.ReplicasWithTags("red"))
	assert.Equal(t, []*Replica{redBig, redBigFast}, registry.ReplicasWithTags("red", "big"))
	assert.Equal(t, []*Replica{redBigFast}, registry.ReplicasWithTags("red", "big", "fast"))
	assert.Equal(t, []*Replica{blue}, registry.ReplicasWithTags("blue"))
	assert.Equal(t, []*Replica{}, registry.ReplicasWithTags("red", "blue"))
	assert.Equal(t, []*Replica{}, registry.ReplicasWithTags("missing"))

	assert.Equal(t, nil, redBigFast.Destroy(redBigFastToken))
	assert.Equal(t, []*Replica{redBig}, registry.ReplicasWithTags("red", "big"))
	assert.Equal(t, []*Replica{}, registry.ReplicasWithTags("fast"))
}

func TestResendData(t *testing.T) {
	sender := newRecordingSender()
	registry := NewRegistry(sender)

	a, _ := registry.CreateReplica([]string{"a"}, map[string]any{"x": 1})
	b, _ := registry.CreateReplica([]string{"b"}, nil)
	registry.CreateReplica([]string{"c"}, nil)

	destination := NewId()
	registry.Subscriptions().Subscribe(destination, a)
	registry.Subscriptions().Subscribe(destination, b)
	sender.Clear()

	registry.ResendData(destination)

	actions := sender.ActionsTo(destination)
	assert.Equal(t, 2, len(actions))
	firstCreate := actions[0].(*CreateAction)
	secondCreate := actions[1].(*CreateAction)
	assert.Equal(t, a.Id(), firstCreate.ReplicaId)
	assert.Equal(t, map[string]any{"x": float64(1)}, firstCreate.Data)
	assert.Equal(t, b.Id(), secondCreate.ReplicaId)

	// a data request frame triggers the same resend
	sender.Clear()
	registry.handleReceive(destination, RequireEncodeFrame(&RequestDataAction{}))
	assert.Equal(t, 2, len(sender.ActionsTo(destination)))
}
