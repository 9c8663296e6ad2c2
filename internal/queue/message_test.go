package queue_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/epochsim/internal/queue"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status queue.Status
		want   string
	}{
		{queue.StatusVisible, "visible"},
		{queue.StatusInvisible, "invisible"},
		{queue.StatusDeleted, "deleted"},
		{queue.StatusDeadLettered, "dead_lettered"},
		{queue.Status(99), "unknown"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to queue.Status
		want     bool
	}{
		{queue.StatusVisible, queue.StatusInvisible, true},
		{queue.StatusVisible, queue.StatusDeleted, true},
		{queue.StatusVisible, queue.StatusDeadLettered, false},
		{queue.StatusInvisible, queue.StatusVisible, true},
		{queue.StatusInvisible, queue.StatusDeleted, true},
		{queue.StatusInvisible, queue.StatusDeadLettered, true},
		{queue.StatusDeleted, queue.StatusVisible, false},
		{queue.StatusDeleted, queue.StatusInvisible, false},
		{queue.StatusDeadLettered, queue.StatusVisible, false},
		{queue.StatusDeadLettered, queue.StatusDeleted, false},
	}

	for _, tc := range tests {
		if got := queue.ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMessage_Replica_IsIndependent(t *testing.T) {
	original := &queue.Message{
		ID:                "01ABC",
		Body:              []byte("hello"),
		Metadata:          map[string]string{"k": "v"},
		ArrivedAt:         time.Second,
		VisibilityTimeout: 30 * time.Second,
		Status:            queue.StatusInvisible,
		ReceiveCount:      2,
		InvisibleUntil:    40 * time.Second,
		ReplicaNodes:      []int{3, 1, 4},
		Sequence:          7,
	}

	r := original.Replica()

	if r.ID != original.ID || r.ArrivedAt != original.ArrivedAt {
		t.Errorf("Replica identity: got %s@%v, want %s@%v", r.ID, r.ArrivedAt, original.ID, original.ArrivedAt)
	}
	if r.Status != queue.StatusVisible || r.ReceiveCount != 0 || r.InvisibleUntil != 0 || r.Sequence != 0 {
		t.Errorf("Replica state: want fresh Visible copy, got %+v", r)
	}

	r.Metadata["k"] = "changed"
	r.ReplicaNodes[0] = 9
	if original.Metadata["k"] != "v" {
		t.Error("mutating replica Metadata affected original")
	}
	if original.ReplicaNodes[0] != 3 {
		t.Error("mutating replica ReplicaNodes affected original")
	}
}

func TestMessage_Deadline(t *testing.T) {
	msg := &queue.Message{Status: queue.StatusVisible}
	if _, ok := msg.Deadline(); ok {
		t.Error("Deadline on Visible copy: want unset")
	}

	msg.Status = queue.StatusInvisible
	msg.InvisibleUntil = 5 * time.Second
	if at, ok := msg.Deadline(); !ok || at != 5*time.Second {
		t.Errorf("Deadline: want 5s/true, got %v/%v", at, ok)
	}
}

func TestMessage_Clone_IsShallowCopy(t *testing.T) {
	original := &queue.Message{ID: "01ABC", ReceiveCount: 1}
	clone := original.Clone()

	if clone == original {
		t.Fatal("Clone() returned same pointer, expected new struct")
	}
	clone.ReceiveCount = 99
	if original.ReceiveCount == 99 {
		t.Error("mutating clone.ReceiveCount affected original")
	}
}
