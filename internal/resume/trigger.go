package resume

import "context"

// Trigger hands a task whose current group became ready to the runtime's
// resume entrypoint. Implementations must tolerate duplicate calls for the
// same task; only one LoadAndClear will succeed.
type Trigger interface {
	TriggerResume(ctx context.Context, logicalTaskID, invocationID string) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, logicalTaskID, invocationID string) error

// TriggerResume calls f.
func (f TriggerFunc) TriggerResume(ctx context.Context, logicalTaskID, invocationID string) error {
	return f(ctx, logicalTaskID, invocationID)
}
