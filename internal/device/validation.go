package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation limits.
const (
	// maxTaskParameters bounds the parameters one task may name.
	maxTaskParameters = 256

	// maxTagLength bounds a tag name.
	maxTagLength = 128
)

// ValidateTask checks that a task carries the arguments its name needs.
func ValidateTask(t *Task) error {
	if t.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidTask)
	}
	a := t.Args
	switch t.Name {
	case TaskGetParameterValues:
		if len(a.ParameterNames) == 0 {
			return fmt.Errorf("%w: %s needs parameterNames", ErrInvalidTask, t.Name)
		}
		if len(a.ParameterNames) > maxTaskParameters {
			return fmt.Errorf("%w: at most %d parameters", ErrInvalidTask, maxTaskParameters)
		}
		for _, name := range a.ParameterNames {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("%w: empty parameter name", ErrInvalidTask)
			}
		}
	case TaskSetParameterValues:
		if len(a.ParameterValues) == 0 {
			return fmt.Errorf("%w: %s needs parameterValues", ErrInvalidTask, t.Name)
		}
		if len(a.ParameterValues) > maxTaskParameters {
			return fmt.Errorf("%w: at most %d parameters", ErrInvalidTask, maxTaskParameters)
		}
		for i, pv := range a.ParameterValues {
			if len(pv) < 2 || len(pv) > 3 {
				return fmt.Errorf("%w: parameterValues[%d] must be [name, value] or [name, value, type]", ErrInvalidTask, i)
			}
			if name, ok := pv[0].(string); !ok || name == "" {
				return fmt.Errorf("%w: parameterValues[%d] name must be a string", ErrInvalidTask, i)
			}
			if len(pv) == 3 {
				if _, ok := pv[2].(string); !ok {
					return fmt.Errorf("%w: parameterValues[%d] type must be a string", ErrInvalidTask, i)
				}
			}
		}
	case TaskRefreshObject, TaskAddObject, TaskDeleteObject:
		if strings.TrimSpace(a.ObjectName) == "" {
			return fmt.Errorf("%w: %s needs objectName", ErrInvalidTask, t.Name)
		}
	case TaskReboot, TaskFactoryReset:
	case TaskDownload:
		if a.FileType == "" || a.FileName == "" {
			return fmt.Errorf("%w: download needs fileType and fileName", ErrInvalidTask)
		}
	case TaskAddTag, TaskRemoveTag:
		tag := strings.TrimSpace(a.Tag)
		if tag == "" || len(tag) > maxTagLength {
			return fmt.Errorf("%w: tag must be 1-%d characters", ErrInvalidTask, maxTagLength)
		}
		if strings.ContainsAny(tag, ".*[]") {
			return fmt.Errorf("%w: tag %q contains path characters", ErrInvalidTask, tag)
		}
	default:
		return fmt.Errorf("%w: unknown task %q", ErrInvalidTask, t.Name)
	}
	return nil
}

// GenerateID generates a new unique identifier using UUIDv7, which sorts
// by creation time.
func GenerateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
