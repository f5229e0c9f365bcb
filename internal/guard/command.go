package guard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"execcore/internal/types"
)

// Operator command actions.
const (
	ActionReset   = "reset"
	ActionArm     = "arm"
	ActionDisarm  = "disarm"
	ActionFlatten = "flatten"
)

// Command is a signed operator instruction. The signature covers
// "timestamp:action:actor_id:command_id".
type Command struct {
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	CommandID string `json:"command_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func (c Command) payload() string {
	return fmt.Sprintf("%d:%s:%s:%s", c.Timestamp, c.Action, c.ActorID, c.CommandID)
}

// CommandVerifier authenticates operator commands and refuses to run the
// same command_id twice.
type CommandVerifier struct {
	secret    []byte
	tolerance time.Duration
	operators map[string]struct{}
	nowFn     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewCommandVerifier(secret string, tolerance time.Duration, operators []string) *CommandVerifier {
	if tolerance <= 0 {
		tolerance = 30 * time.Second
	}
	var ops map[string]struct{}
	if len(operators) > 0 {
		ops = make(map[string]struct{}, len(operators))
		for _, op := range operators {
			if op = strings.TrimSpace(op); op != "" {
				ops[op] = struct{}{}
			}
		}
	}
	return &CommandVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		operators: ops,
		nowFn:     time.Now,
		seen:      make(map[string]time.Time),
	}
}

// Sign fills in the signature of cmd.
func (v *CommandVerifier) Sign(cmd Command) Command {
	cmd.Signature = hex.EncodeToString(v.mac(cmd.payload()))
	return cmd
}

func (v *CommandVerifier) Verify(cmd Command) error {
	if len(v.secret) == 0 {
		return types.Reject(types.CodeInvalidSignature, "no signing secret configured")
	}
	switch {
	case strings.TrimSpace(cmd.Action) == "":
		return types.Reject(types.CodeSchemaError, "missing field action")
	case strings.TrimSpace(cmd.ActorID) == "":
		return types.Reject(types.CodeSchemaError, "missing field actor_id")
	case strings.TrimSpace(cmd.CommandID) == "":
		return types.Reject(types.CodeSchemaError, "missing field command_id")
	case cmd.Timestamp <= 0:
		return types.Reject(types.CodeSchemaError, "missing field timestamp")
	}
	switch cmd.Action {
	case ActionReset, ActionArm, ActionDisarm, ActionFlatten:
	default:
		return types.Reject(types.CodeSchemaError, "unknown action %q", cmd.Action)
	}
	if v.operators != nil {
		if _, ok := v.operators[cmd.ActorID]; !ok {
			return types.Reject(types.CodeInvalidSignature, "actor %s is not an operator", cmd.ActorID)
		}
	}
	now := v.nowFn()
	diff := now.Sub(time.UnixMilli(cmd.Timestamp))
	if diff < 0 {
		diff = -diff
	}
	if diff > v.tolerance {
		return types.Reject(types.CodeStaleSignal, "command timestamp off by %dms (tolerance %dms)", diff.Milliseconds(), v.tolerance.Milliseconds())
	}
	given, err := hex.DecodeString(strings.TrimSpace(cmd.Signature))
	if err != nil || len(given) == 0 {
		return types.Reject(types.CodeInvalidSignature, "signature is not hex")
	}
	if !hmac.Equal(given, v.mac(cmd.payload())) {
		return types.Reject(types.CodeInvalidSignature, "signature mismatch")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, at := range v.seen {
		if now.Sub(at) > 2*v.tolerance {
			delete(v.seen, id)
		}
	}
	if _, dup := v.seen[cmd.CommandID]; dup {
		return types.Reject(types.CodeDuplicateSignal, "command %s already executed", cmd.CommandID)
	}
	v.seen[cmd.CommandID] = now
	return nil
}

func (v *CommandVerifier) mac(msg string) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
