package manifest

// Step is one planned pipeline step. Name is unique within a pipeline;
// Stage is the remote service it runs on.
type Step struct {
	Name  string
	Stage Stage
}

// ResumePlan says where a pipeline stands.
type ResumePlan struct {
	// Index of Step in the pipeline; len(pipeline) when Done.
	Index int
	Step  Step
	// PendingTaskID is set when Step already has a live or failed remote task.
	PendingTaskID string
	Status        Status
	Done          bool
}

// Failed reports whether the pipeline stopped at a terminal failure.
func (p ResumePlan) Failed() bool {
	return p.Status == StatusFailed || p.Status == StatusExpired
}

// ResumePoint determines which step to continue from using only the persisted
// manifest: the first step whose newest entry is not SUCCEEDED. A step with no
// entry needs submission; a non-terminal entry needs one more status poll.
func ResumePoint(m *AssetManifest, pipeline []Step) ResumePlan {
	for i, step := range pipeline {
		entry, ok := m.LatestForStep(step.Name)
		if !ok {
			return ResumePlan{Index: i, Step: step, Status: StatusNotStarted}
		}
		if entry.Status == StatusSucceeded {
			continue
		}
		return ResumePlan{Index: i, Step: step, PendingTaskID: entry.TaskID, Status: entry.Status}
	}
	return ResumePlan{Index: len(pipeline), Status: StatusSucceeded, Done: true}
}
