package conductor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canvasmesh/conductor/internal/model"
	"github.com/canvasmesh/conductor/internal/yaml"
)

// deadLetterRecord is the archived form of a terminally-failed task.
type deadLetterRecord struct {
	Task       model.Task `yaml:"task"`
	Error      string     `yaml:"error"`
	Attempts   int        `yaml:"attempts"`
	ArchivedAt time.Time  `yaml:"archived_at"`
}

// archiveDeadLetter writes a terminally-failed task to the dead-letter
// directory for operator inspection. Archiving is best-effort: the queue
// already holds the authoritative failed state.
func (c *Conductor) archiveDeadLetter(task model.Task, cause string) {
	if c.deadLetterDir == "" {
		return
	}
	if err := os.MkdirAll(c.deadLetterDir, 0755); err != nil {
		c.log(LogLevelWarn, "dead-letter dir unavailable error=%v", err)
		return
	}

	name := fmt.Sprintf("%s_%s_%s.yaml",
		strings.ReplaceAll(task.Type, ".", "-"),
		c.now().UTC().Format("20060102T150405Z"),
		task.ID)
	path := filepath.Join(c.deadLetterDir, name)

	rec := deadLetterRecord{
		Task:       task,
		Error:      cause,
		Attempts:   task.Attempt,
		ArchivedAt: c.now().UTC(),
	}
	if err := yaml.AtomicWrite(path, rec); err != nil {
		c.log(LogLevelWarn, "dead-letter archive failed task=%s error=%v", task.ID, err)
		return
	}
	c.log(LogLevelInfo, "dead-letter archived task=%s file=%s", task.ID, name)
}
