package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/atelierhq/atelier-collab/internal/ident"
	"github.com/atelierhq/atelier-collab/internal/notify"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu       sync.Mutex
	requests []notify.NotifyRequest
}

func (n *recordingNotifier) Notify(_ context.Context, request notify.NotifyRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, request)
	return "notification-id", nil
}

func (n *recordingNotifier) sent() []notify.NotifyRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.NotifyRequest(nil), n.requests...)
}

func newTestService(t *testing.T, dbName string) (*Service, *recordingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+dbName+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Approval{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Notifier:   notifier,
		IDProvider: ident.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, notifier
}

func mustCreate(t *testing.T, service *Service) Approval {
	t.Helper()
	row, err := service.Create(context.Background(), CreateRequest{
		ProjectID:   "project-1",
		TargetType:  "proposal",
		TargetID:    "proposal-9",
		RequestedBy: "designer-1",
		ReviewerID:  "client-1",
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return row
}

func TestParseStatus(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    Status
		wantErr bool
	}{
		{name: "pending", input: "pending", want: StatusPending},
		{name: "uppercase", input: "APPROVED", want: StatusApproved},
		{name: "padded", input: " rejected ", want: StatusRejected},
		{name: "revision requested", input: "revision_requested", want: StatusRevisionRequested},
		{name: "unknown", input: "cancelled", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, err := ParseStatus(testCase.input)
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidStatus) {
					t.Fatalf("expected ErrInvalidStatus, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			if status != testCase.want {
				t.Fatalf("expected %s, got %s", testCase.want, status)
			}
		})
	}
}

func TestTransitionTable(t *testing.T) {
	allStatuses := []Status{StatusPending, StatusApproved, StatusRejected, StatusRevisionRequested}
	legal := map[Status][]Status{
		StatusPending:           {StatusApproved, StatusRejected, StatusRevisionRequested},
		StatusRevisionRequested: {StatusPending},
		StatusRejected:          {StatusPending},
		StatusApproved:          {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			expected := false
			for _, allowed := range legal[from] {
				if allowed == to {
					expected = true
				}
			}
			if got := from.CanTransitionTo(to); got != expected {
				t.Fatalf("transition %s -> %s: expected %v, got %v", from, to, expected, got)
			}
		}
	}
}

func TestCreateStartsPendingAndNotifiesReviewer(t *testing.T) {
	service, notifier := newTestService(t, "approval_create")
	row := mustCreate(t, service)

	if row.Status != StatusPending.String() {
		t.Fatalf("expected pending status, got %s", row.Status)
	}
	if row.ReviewedBy != nil || row.ReviewedAtSeconds != nil {
		t.Fatal("expected no review metadata at creation")
	}

	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(sent))
	}
	if sent[0].UserID != "client-1" || sent[0].Type != notify.TypeApprovalRequested {
		t.Fatalf("unexpected notification %#v", sent[0])
	}
}

func TestTransitionRejectsIllegalChange(t *testing.T) {
	service, _ := newTestService(t, "approval_illegal")
	row := mustCreate(t, service)

	approved, err := service.Transition(context.Background(), row.ApprovalID, StatusApproved, "client-1", "looks great")
	if err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	if approved.Status != StatusApproved.String() {
		t.Fatalf("expected approved status, got %s", approved.Status)
	}
	if approved.ReviewedBy == nil || *approved.ReviewedBy != "client-1" {
		t.Fatalf("expected reviewer recorded, got %#v", approved.ReviewedBy)
	}

	// Approved is terminal: repeating the transition must fail and surface
	// the current status without touching the row.
	_, err = service.Transition(context.Background(), row.ApprovalID, StatusApproved, "client-1", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), StatusApproved.String()) {
		t.Fatalf("expected current status in error, got %q", err.Error())
	}

	var stored Approval
	if err := service.db.Where("approval_id = ?", row.ApprovalID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if stored.Notes != "looks great" {
		t.Fatalf("rejected transition must not mutate the row, got notes %q", stored.Notes)
	}
}

func TestTransitionUnknownIDReturnsNotFound(t *testing.T) {
	service, _ := newTestService(t, "approval_notfound")
	if _, err := service.Transition(context.Background(), "missing", StatusApproved, "client-1", ""); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestRejectResubmitApproveLifecycle(t *testing.T) {
	service, notifier := newTestService(t, "approval_lifecycle")
	row := mustCreate(t, service)

	if _, err := service.Transition(context.Background(), row.ApprovalID, StatusRejected, "client-1", "wrong fabric"); err != nil {
		t.Fatalf("unexpected reject error: %v", err)
	}

	resubmitted, err := service.Transition(context.Background(), row.ApprovalID, StatusPending, "designer-1", "")
	if err != nil {
		t.Fatalf("unexpected resubmit error: %v", err)
	}
	if resubmitted.ReviewedBy != nil || resubmitted.ReviewedAtSeconds != nil {
		t.Fatal("expected resubmission to clear review metadata")
	}

	if _, err := service.Transition(context.Background(), row.ApprovalID, StatusApproved, "client-1", ""); err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}

	// Terminal: every further transition fails.
	for _, to := range []Status{StatusPending, StatusApproved, StatusRejected, StatusRevisionRequested} {
		if _, err := service.Transition(context.Background(), row.ApprovalID, to, "client-1", ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for approved -> %s, got %v", to, err)
		}
	}

	sent := notifier.sent()
	// create + reject + resubmit + approve.
	if len(sent) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(sent))
	}
	if sent[1].UserID != "designer-1" || sent[1].Type != notify.TypeApprovalDecided {
		t.Fatalf("expected rejection notice to the requester, got %#v", sent[1])
	}
	if sent[2].UserID != "client-1" || sent[2].Type != notify.TypeApprovalResubmitted {
		t.Fatalf("expected resubmission notice to the prior reviewer, got %#v", sent[2])
	}
	if sent[3].UserID != "designer-1" || sent[3].Type != notify.TypeApprovalDecided {
		t.Fatalf("expected approval notice to the requester, got %#v", sent[3])
	}
}

func TestRevisionRequestedReopens(t *testing.T) {
	service, _ := newTestService(t, "approval_revision")
	row := mustCreate(t, service)

	if _, err := service.Transition(context.Background(), row.ApprovalID, StatusRevisionRequested, "client-1", "swap the rug"); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	if _, err := service.Transition(context.Background(), row.ApprovalID, StatusPending, "designer-1", ""); err != nil {
		t.Fatalf("unexpected resubmit error: %v", err)
	}

	var stored Approval
	if err := service.db.Where("approval_id = ?", row.ApprovalID).Take(&stored).Error; err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if stored.Status != StatusPending.String() {
		t.Fatalf("expected pending after resubmission, got %s", stored.Status)
	}
}

func TestListScopedToProject(t *testing.T) {
	service, _ := newTestService(t, "approval_list")
	mustCreate(t, service)
	if _, err := service.Create(context.Background(), CreateRequest{
		ProjectID:   "project-2",
		TargetType:  "scene",
		TargetID:    "room-4",
		RequestedBy: "designer-2",
	}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	rows, err := service.List(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 || rows[0].ProjectID != "project-1" {
		t.Fatalf("unexpected rows %#v", rows)
	}
}
