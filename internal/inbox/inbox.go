// Package inbox implements the per-agent append-ordered message log and
// the sendMessage policy layer (role validation, lateral-messaging rules,
// topology checks) built on top of it.
package inbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// Priority levels a Message may carry.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Message types recognized by the dialect; sendMessage's role-validation
// options key off of these.
const (
	TypePeerMessage       = "peer_message"
	TypeTaskAssignment    = "task_assignment"
	TypeTaskUpdate        = "task_update"
	TypeAuditReport       = "audit_report"
	TypeLifecycleCommand  = "lifecycle_command"
	TypeApprovalRequested = "approval_requested"
)

// Lifecycle commands carried in a lifecycle_command message's body.command.
const (
	CommandWriteMemorySnapshot = "write_memory_snapshot"
	CommandPrepareShutdown     = "prepare_shutdown"
	CommandShutdown            = "shutdown"
	CommandTerminate           = "terminate"
)

// Message is one entry in an agent's inbox file.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	Body      map[string]any `json:"body,omitempty"`
	CC        []string       `json:"cc,omitempty"`
	Read      bool           `json:"read"`
}

type inboxFile struct {
	Messages []Message `json:"messages"`
}

// Store reads and writes per-agent inbox files under a project's
// .command-post/messages directory.
type Store struct {
	paths *cpfs.Paths
}

// New returns a Store rooted at paths.
func New(paths *cpfs.Paths) *Store {
	return &Store{paths: paths}
}

func (s *Store) load(agentID string) (inboxFile, error) {
	data, err := cpfs.ReadOrEmpty(s.paths.Inbox(agentID))
	if err != nil {
		return inboxFile{}, err
	}
	if data == nil {
		return inboxFile{}, nil
	}
	var f inboxFile
	if err := json.Unmarshal(data, &f); err != nil {
		// Malformed inbox files are treated as empty, same as a missing file;
		// a subsequent write replaces it with well-formed content.
		return inboxFile{}, nil
	}
	return f, nil
}

// ReadInbox returns every message for agentID in insertion order. A
// missing inbox file yields an empty slice.
func (s *Store) ReadInbox(agentID string) ([]Message, error) {
	f, err := s.load(agentID)
	if err != nil {
		return nil, err
	}
	return f.Messages, nil
}

// WriteToInbox appends msg to agentID's inbox, taking the per-file lock.
// A message whose id already exists in the inbox is not delivered twice.
func (s *Store) WriteToInbox(agentID string, msg Message) error {
	path := s.paths.Inbox(agentID)
	return cpfs.WithFileLock(path, func() error {
		f, err := s.load(agentID)
		if err != nil {
			return err
		}
		for _, existing := range f.Messages {
			if existing.ID == msg.ID {
				return nil
			}
		}
		f.Messages = append(f.Messages, msg)
		return s.save(path, f)
	})
}

func (s *Store) save(path string, f inboxFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return cperrors.Wrap(err, "inbox.save", "marshal inbox")
	}
	return cpfs.AtomicWrite(path, data)
}

// MarkMessageRead sets read=true on the message with the given id. Fails
// with *cperrors.NotFoundError when no such message exists.
func (s *Store) MarkMessageRead(agentID, msgID string) error {
	path := s.paths.Inbox(agentID)
	return cpfs.WithFileLock(path, func() error {
		f, err := s.load(agentID)
		if err != nil {
			return err
		}
		for i := range f.Messages {
			if f.Messages[i].ID == msgID {
				f.Messages[i].Read = true
				return s.save(path, f)
			}
		}
		return cperrors.NewNotFoundError("message", msgID)
	})
}

// DeleteMessage removes the message with the given id. Fails with
// *cperrors.NotFoundError when no such message exists.
func (s *Store) DeleteMessage(agentID, msgID string) error {
	path := s.paths.Inbox(agentID)
	return cpfs.WithFileLock(path, func() error {
		f, err := s.load(agentID)
		if err != nil {
			return err
		}
		for i := range f.Messages {
			if f.Messages[i].ID == msgID {
				f.Messages = append(f.Messages[:i], f.Messages[i+1:]...)
				return s.save(path, f)
			}
		}
		return cperrors.NewNotFoundError("message", msgID)
	})
}

// GetMessage returns the message with the given id, or nil when absent —
// absence here is semantically optional, not an error.
func (s *Store) GetMessage(agentID, msgID string) (*Message, error) {
	f, err := s.load(agentID)
	if err != nil {
		return nil, err
	}
	for i := range f.Messages {
		if f.Messages[i].ID == msgID {
			m := f.Messages[i]
			return &m, nil
		}
	}
	return nil, nil
}

// QueryFilter narrows QueryMessages' results. A zero-value field matches
// everything for that dimension.
type QueryFilter struct {
	Type         string
	Priority     string
	UnreadOnly   bool
	SinceTime    string // inclusive; compared lexically against Timestamp
}

// QueryMessages returns agentID's messages matching filter, preserving
// inbox order.
func (s *Store) QueryMessages(agentID string, filter QueryFilter) ([]Message, error) {
	f, err := s.load(agentID)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range f.Messages {
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.Priority != "" && m.Priority != filter.Priority {
			continue
		}
		if filter.UnreadOnly && m.Read {
			continue
		}
		if filter.SinceTime != "" && m.Timestamp < filter.SinceTime {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// RoleLookup resolves an agent id to its configured role; it is how
// SendMessage learns the roles it needs for validation and lateral-
// messaging checks without owning a topology of its own.
type RoleLookup func(agentID string) (role string, ok bool)

// SendOptions configures SendMessage's policy layer. Every option is
// independently optional; omitting all of them reduces SendMessage to
// plain de-duplicated delivery.
type SendOptions struct {
	CCOrchestrator bool
	OrchestratorID string

	SenderRole     string
	SkipValidation bool

	LateralMessagingEnabled bool

	KnownAgentIDs map[string]struct{}
	RoleOf        RoleLookup
}

var taskAssignmentRoles = map[string]bool{"orchestrator": true, "po": true}
var auditReportRoles = map[string]bool{"audit": true}
var lifecycleCommandRoles = map[string]bool{"context-monitor": true, "orchestrator": true}
var taskUpdateRoles = map[string]bool{"worker": true, "audit": true}

// SendMessage is the policy layer atop WriteToInbox: it fills in id and
// timestamp, defaults priority, delivers to `to` and each `cc` recipient
// exactly once, optionally ccs the orchestrator for worker-to-worker
// traffic, and — when the corresponding option is supplied — enforces
// sender-role, lateral-messaging, and topology rules.
func (s *Store) SendMessage(msg Message, opts SendOptions) (Message, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	if err := validateSend(msg, opts); err != nil {
		return Message{}, err
	}

	recipients := dedupRecipients(msg.To, msg.CC)

	if opts.CCOrchestrator && opts.OrchestratorID != "" && bothWorkers(msg.From, msg.To, opts) {
		if _, present := recipients[opts.OrchestratorID]; !present {
			msg.CC = append(msg.CC, opts.OrchestratorID)
			recipients[opts.OrchestratorID] = struct{}{}
		}
	}

	for recipient := range recipients {
		if err := s.WriteToInbox(recipient, msg); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

func dedupRecipients(to string, cc []string) map[string]struct{} {
	set := map[string]struct{}{}
	if to != "" {
		set[to] = struct{}{}
	}
	for _, c := range cc {
		set[c] = struct{}{}
	}
	return set
}

func validateSend(msg Message, opts SendOptions) error {
	if opts.SkipValidation {
		return nil
	}

	var details []string

	if opts.SenderRole != "" && !roleAllowedForType(msg.Type, opts.SenderRole) {
		details = append(details, msg.Type+" is not permitted from role "+opts.SenderRole)
	}

	if opts.RoleOf != nil {
		for recipient := range dedupRecipients(msg.To, msg.CC) {
			recipientRole, ok := opts.RoleOf(recipient)
			if !ok {
				continue
			}
			if opts.SenderRole == "worker" && recipientRole == "worker" {
				if !opts.LateralMessagingEnabled {
					details = append(details, "lateral messaging disabled: "+msg.From+" -> "+recipient)
				} else if msg.Type != TypePeerMessage {
					details = append(details, "lateral messaging only permits peer_message, got "+msg.Type)
				}
			}
		}
	}

	if opts.KnownAgentIDs != nil {
		for recipient := range dedupRecipients(msg.To, msg.CC) {
			if _, known := opts.KnownAgentIDs[recipient]; !known {
				details = append(details, "unknown recipient: "+recipient)
			}
		}
	}

	if len(details) > 0 {
		return cperrors.NewValidationError("inbox.sendMessage", details...)
	}
	return nil
}

func roleAllowedForType(msgType, senderRole string) bool {
	switch msgType {
	case TypeTaskAssignment:
		return taskAssignmentRoles[senderRole]
	case TypeAuditReport:
		return auditReportRoles[senderRole]
	case TypeLifecycleCommand:
		return lifecycleCommandRoles[senderRole]
	case TypeTaskUpdate:
		return taskUpdateRoles[senderRole]
	case TypePeerMessage:
		return true
	default:
		return true
	}
}

func bothWorkers(from, to string, opts SendOptions) bool {
	fromRole := opts.SenderRole
	if fromRole == "" {
		if opts.RoleOf == nil {
			return false
		}
		r, ok := opts.RoleOf(from)
		if !ok {
			return false
		}
		fromRole = r
	}
	if fromRole != "worker" || opts.RoleOf == nil {
		return false
	}
	toRole, ok := opts.RoleOf(to)
	return ok && toRole == "worker"
}
