package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/steps"
)

// WorkflowType is the job type whose payload is a multi-step Plan.
const WorkflowType = "workflow"

var validate = validator.New()

// Plan is the ordered list of steps a job executes.
type Plan struct {
	Steps []steps.Step `json:"steps" validate:"required,min=1,unique=ID,dive"`
}

// DecodePlan builds the plan for job. A "workflow" job carries its steps in
// the payload; any other type runs as a single step named "main" whose type
// is the job type and whose config is the payload. Decode or validation
// failures are permanent.
func DecodePlan(job *domain.Job) (Plan, error) {
	if job.Type != WorkflowType {
		if job.Type == "" {
			return Plan{}, domain.Permanent(fmt.Errorf("job %s has no type", job.ID))
		}
		return Plan{Steps: []steps.Step{{ID: "main", Type: job.Type, Config: json.RawMessage(job.Payload)}}}, nil
	}

	var p Plan
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return Plan{}, domain.Permanent(fmt.Errorf("decode workflow %s: %w", job.ID, err))
	}
	if err := validate.Struct(p); err != nil {
		return Plan{}, domain.Permanent(fmt.Errorf("invalid workflow %s: %w", job.ID, err))
	}
	return p, nil
}
