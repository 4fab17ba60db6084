package domain

import "context"

// Artifact is a tagged variant over the non-Task entities an agent can
// persist alongside a task completion. Exactly one of the embedded
// pointers is non-nil.
type Artifact struct {
	Plan          *Plan
	CandidateFile *CandidateFile
	Patch         *Patch
	Validation    *Validation
	PullRequest   *PullRequest
}

// PlanArtifact wraps a Plan as an Artifact.
func PlanArtifact(p Plan) Artifact { return Artifact{Plan: &p} }

// CandidateFileArtifact wraps a CandidateFile as an Artifact.
func CandidateFileArtifact(c CandidateFile) Artifact { return Artifact{CandidateFile: &c} }

// PatchArtifact wraps a Patch as an Artifact.
func PatchArtifact(p Patch) Artifact { return Artifact{Patch: &p} }

// ValidationArtifact wraps a Validation as an Artifact.
func ValidationArtifact(v Validation) Artifact { return Artifact{Validation: &v} }

// PullRequestArtifact wraps a PullRequest as an Artifact.
func PullRequestArtifact(pr PullRequest) Artifact { return Artifact{PullRequest: &pr} }

// BuildContext is the read-only snapshot an agent receives: the build's own
// fields plus the latest state of every dependent entity an agent might
// need to short-circuit on replay.
type BuildContext struct {
	Build          Build
	Plan           *Plan
	CandidateFiles []*CandidateFile
	Patches        []*Patch
	Validations    []*Validation
	PullRequest    *PullRequest
}

// Agent is the uniform call surface every pluggable unit (planner,
// retriever, code-patcher, validator, PR-maker, notifier) implements.
//
// Handle returns a non-nil error only for a genuinely uncaught failure
// (e.g. a panic recovered by the caller, a programming bug); the dispatcher
// treats that the same as an explicit RETRY result carrying the error's
// message. Agents that can classify their own failures should instead
// return Outcome{Status: OutcomeFailed} or OutcomeRetry directly.
type Agent interface {
	Handle(ctx context.Context, buildCtx BuildContext, payload []byte) (Outcome, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, buildCtx BuildContext, payload []byte) (Outcome, error)

// Handle implements Agent.
func (f AgentFunc) Handle(ctx context.Context, buildCtx BuildContext, payload []byte) (Outcome, error) {
	return f(ctx, buildCtx, payload)
}

// ErrNoAgentRegistered is the terminal error used when the Registry has no
// agent mapped for a task's kind; it is treated as terminal, never retried.
const ErrNoAgentRegistered = "NO_AGENT_REGISTERED"

// Registry maps task kinds to the agent that handles them.
type Registry struct {
	agents map[TaskKind]Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[TaskKind]Agent)}
}

// Register maps kind to agent, overwriting any previous mapping.
func (r *Registry) Register(kind TaskKind, agent Agent) {
	r.agents[kind] = agent
}

// Lookup returns the agent mapped to kind, or (nil, false) if none is
// registered.
func (r *Registry) Lookup(kind TaskKind) (Agent, bool) {
	agent, ok := r.agents[kind]
	return agent, ok
}
