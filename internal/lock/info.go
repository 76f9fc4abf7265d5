package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// ownerFile sits inside the lock directory.
const ownerFile = "owner.json"

// Owner identifies the perfci process holding an install lock.
type Owner struct {
	User        string    `json:"user"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Acquired    time.Time `json:"acquired"`
}

// currentOwner describes this process acting for executionID.
func currentOwner(executionID string) Owner {
	o := Owner{
		User:        os.Getenv("USER"),
		PID:         os.Getpid(),
		ExecutionID: executionID,
		Acquired:    time.Now().UTC(),
	}
	if o.User == "" {
		o.User = "unknown"
	}
	var err error
	if o.Hostname, err = os.Hostname(); err != nil {
		o.Hostname = "unknown"
	}
	return o
}

func (o Owner) String() string {
	s := fmt.Sprintf("%s@%s (pid %d)", o.User, o.Hostname, o.PID)
	if o.ExecutionID != "" {
		s += ", execution " + o.ExecutionID
	}
	return s
}

// readOwner fetches the owner record of the lock at dir. ok is false when
// the record is missing or unreadable; raw holds whatever was read.
func readOwner(ctx context.Context, sess sshutil.Session, dir string) (o Owner, raw string, ok bool) {
	res, err := sess.Exec(ctx, "cat", []string{path.Join(dir, ownerFile)}, nil)
	if err != nil || !res.Success() {
		return Owner{}, "", false
	}
	if err := json.Unmarshal([]byte(res.Stdout), &o); err != nil {
		return Owner{}, res.Stdout, false
	}
	return o, res.Stdout, true
}
