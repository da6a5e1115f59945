package presence

import (
	"testing"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

func TestSetActiveResourceAndGetUsersViewing(t *testing.T) {
	tracker := NewTracker()
	resource := types.ActiveResource{Type: "clinic.patient", ID: "p1"}

	tracker.SetActiveResource("actor-1", resource)
	tracker.SetActiveResource("actor-2", types.ActiveResource{Type: "clinic.patient", ID: "p2"})

	viewing := tracker.GetUsersViewing(resource)
	if len(viewing) != 1 || viewing[0].ActorID != "actor-1" {
		t.Fatalf("got %+v", viewing)
	}
}

func TestClearActiveResourceRemovesFromViewing(t *testing.T) {
	tracker := NewTracker()
	resource := types.ActiveResource{Type: "clinic.patient", ID: "p1"}
	tracker.SetActiveResource("actor-1", resource)

	tracker.ClearActiveResource("actor-1")

	if viewing := tracker.GetUsersViewing(resource); len(viewing) != 0 {
		t.Fatalf("got %+v", viewing)
	}
}

func TestSetStatusAndGetAllOnline(t *testing.T) {
	tracker := NewTracker()
	tracker.SetStatus("actor-1", types.StatusOnline)
	tracker.SetStatus("actor-2", types.StatusAway)

	online := tracker.GetAllOnline()
	if len(online) != 1 || online[0].ActorID != "actor-1" {
		t.Fatalf("got %+v", online)
	}
}

func TestRemoveDropsUser(t *testing.T) {
	tracker := NewTracker()
	tracker.SetStatus("actor-1", types.StatusOnline)
	tracker.Remove("actor-1")

	if online := tracker.GetAllOnline(); len(online) != 0 {
		t.Fatalf("got %+v", online)
	}
}

func TestGetUsersViewingReturnsCopiesNotLiveReferences(t *testing.T) {
	tracker := NewTracker()
	resource := types.ActiveResource{Type: "clinic.patient", ID: "p1"}
	tracker.SetActiveResource("actor-1", resource)

	viewing := tracker.GetUsersViewing(resource)
	viewing[0].Status = types.StatusBusy

	online := tracker.GetAllOnline()
	if len(online) != 1 {
		t.Fatalf("expected mutation of the returned copy to not affect the tracker, got %+v", online)
	}
}
