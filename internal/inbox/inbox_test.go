package inbox

import (
	goerrors "errors"
	"sync"
	"testing"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(cpfs.NewPaths(t.TempDir()))
}

func TestReadInbox_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.ReadInbox("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty inbox, got %d", len(msgs))
	}
}

func TestWriteToInbox_DedupesByID(t *testing.T) {
	s := newTestStore(t)
	msg := Message{ID: "msg-1", From: "a", To: "b", Type: TypePeerMessage}

	if err := s.WriteToInbox("b", msg); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteToInbox("b", msg); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.ReadInbox("b")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after duplicate write, got %d", len(msgs))
	}
}

func TestWriteToInbox_ConcurrentWritesPreserveAllIDs(t *testing.T) {
	s := newTestStore(t)
	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_ = s.WriteToInbox("worker-1", Message{ID: "msg-" + id, From: "orchestrator", To: "worker-1", Type: TypePeerMessage})
		}(i)
	}
	wg.Wait()

	msgs, err := s.ReadInbox("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		seen[m.ID] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct ids, got %d", n, len(seen))
	}
}

func TestMarkMessageRead_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkMessageRead("worker-1", "missing")
	if _, ok := asNotFound(err); !ok {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteMessage_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteMessage("worker-1", "missing")
	if _, ok := asNotFound(err); !ok {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestMarkMessageRead_Success(t *testing.T) {
	s := newTestStore(t)
	_ = s.WriteToInbox("worker-1", Message{ID: "msg-1", Type: TypePeerMessage})

	if err := s.MarkMessageRead("worker-1", "msg-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMessage("worker-1", "msg-1")
	if got == nil || !got.Read {
		t.Errorf("expected message to be marked read, got %+v", got)
	}
}

func TestGetMessage_AbsentIsNilNotError(t *testing.T) {
	s := newTestStore(t)
	m, err := s.GetMessage("worker-1", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil message, got %+v", m)
	}
}

func TestSendMessage_DefaultsAndDedupesRecipients(t *testing.T) {
	s := newTestStore(t)
	sent, err := s.SendMessage(Message{From: "orchestrator", To: "worker-1", CC: []string{"worker-1"}, Type: TypePeerMessage}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || sent.Timestamp == "" || sent.Priority != PriorityNormal {
		t.Errorf("expected defaults filled in, got %+v", sent)
	}

	msgs, _ := s.ReadInbox("worker-1")
	if len(msgs) != 1 {
		t.Fatalf("expected recipient set deduped to 1 delivery, got %d", len(msgs))
	}
}

func TestSendMessage_RoleValidation_TaskAssignmentRejectedFromWorker(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SendMessage(Message{From: "worker-1", To: "worker-2", Type: TypeTaskAssignment},
		SendOptions{SenderRole: "worker"})
	if _, ok := asValidation(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSendMessage_RoleValidation_TaskAssignmentAllowedFromOrchestrator(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SendMessage(Message{From: "orchestrator", To: "worker-2", Type: TypeTaskAssignment},
		SendOptions{SenderRole: "orchestrator"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendMessage_LateralMessagingRejectedWhenDisabled(t *testing.T) {
	s := newTestStore(t)
	roleOf := func(id string) (string, bool) {
		return "worker", true
	}
	_, err := s.SendMessage(Message{From: "worker-1", To: "worker-2", Type: TypePeerMessage},
		SendOptions{SenderRole: "worker", LateralMessagingEnabled: false, RoleOf: roleOf})
	if _, ok := asValidation(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSendMessage_WorkerToWorkerTaskUpdateRejected(t *testing.T) {
	s := newTestStore(t)
	roleOf := func(id string) (string, bool) {
		return "worker", true
	}
	_, err := s.SendMessage(Message{From: "worker-1", To: "worker-2", Type: TypeTaskUpdate},
		SendOptions{SenderRole: "worker", LateralMessagingEnabled: true, RoleOf: roleOf})
	if _, ok := asValidation(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	msgs, _ := s.ReadInbox("worker-2")
	if len(msgs) != 0 {
		t.Errorf("expected no inbox file written on rejected send, got %d messages", len(msgs))
	}
}

func TestSendMessage_LateralPeerMessageAllowed(t *testing.T) {
	s := newTestStore(t)
	roleOf := func(id string) (string, bool) {
		return "worker", true
	}
	_, err := s.SendMessage(Message{From: "worker-1", To: "worker-2", Type: TypePeerMessage},
		SendOptions{SenderRole: "worker", LateralMessagingEnabled: true, RoleOf: roleOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendMessage_UnknownRecipientRejectedByTopology(t *testing.T) {
	s := newTestStore(t)
	known := map[string]struct{}{"worker-1": {}}
	_, err := s.SendMessage(Message{From: "orchestrator", To: "ghost-agent", Type: TypePeerMessage},
		SendOptions{KnownAgentIDs: known})
	if _, ok := asValidation(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSendMessage_CCsOrchestratorForWorkerToWorker(t *testing.T) {
	s := newTestStore(t)
	roleOf := func(id string) (string, bool) {
		if id == "orchestrator" {
			return "orchestrator", true
		}
		return "worker", true
	}
	_, err := s.SendMessage(Message{From: "worker-1", To: "worker-2", Type: TypePeerMessage},
		SendOptions{SenderRole: "worker", LateralMessagingEnabled: true, RoleOf: roleOf,
			CCOrchestrator: true, OrchestratorID: "orchestrator"})
	if err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.ReadInbox("orchestrator")
	if len(msgs) != 1 {
		t.Errorf("expected orchestrator cc'd, got %d messages", len(msgs))
	}
}

func TestQueryMessages_FiltersByTypeAndUnread(t *testing.T) {
	s := newTestStore(t)
	_ = s.WriteToInbox("worker-1", Message{ID: "m1", Type: TypePeerMessage})
	_ = s.WriteToInbox("worker-1", Message{ID: "m2", Type: TypeTaskUpdate})
	_ = s.MarkMessageRead("worker-1", "m1")

	unread, _ := s.QueryMessages("worker-1", QueryFilter{UnreadOnly: true})
	if len(unread) != 1 || unread[0].ID != "m2" {
		t.Errorf("expected only m2 unread, got %+v", unread)
	}

	byType, _ := s.QueryMessages("worker-1", QueryFilter{Type: TypePeerMessage})
	if len(byType) != 1 || byType[0].ID != "m1" {
		t.Errorf("expected only m1 by type, got %+v", byType)
	}
}

func asNotFound(err error) (*cperrors.NotFoundError, bool) {
	var target *cperrors.NotFoundError
	ok := goerrors.As(err, &target)
	return target, ok
}

func asValidation(err error) (*cperrors.ValidationError, bool) {
	var target *cperrors.ValidationError
	ok := goerrors.As(err, &target)
	return target, ok
}
