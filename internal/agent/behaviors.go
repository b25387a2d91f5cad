// internal/agent/behaviors.go
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/operations"
)

// finalizationPhaseName is the synthetic closing phase.
const finalizationPhaseName = "Finalization and Review"

// Behavior is the tagged build-strategy variant. The agent owns a behavior
// value; the behavior reaches back only through the *Agent methods that make
// up the narrow infrastructure surface (state get/set, broadcast, operations,
// files, deployer, command execution).
type Behavior interface {
	Type() schemas.BehaviorType
	Build(ctx context.Context, a *Agent) error
}

// newBehavior dispatches on the persisted behavior kind.
func newBehavior(kind schemas.BehaviorType, a *Agent) Behavior {
	switch kind {
	case schemas.BehaviorAgentic:
		return &agenticBehavior{}
	default:
		return &phasicBehavior{}
	}
}

// -- phasic behavior: the complete state machine --

type phasicBehavior struct{}

func (b *phasicBehavior) Type() schemas.BehaviorType { return schemas.BehaviorPhasic }

// Build drives IDLE -> PHASE_GENERATING -> PHASE_IMPLEMENTING -> FINALIZING ->
// REVIEWING -> IDLE. Re-entrant: a restarted agent resumes from its phase
// list, not from scratch.
func (b *phasicBehavior) Build(ctx context.Context, a *Agent) error {
	st := a.StateSnapshot()

	// Choose the starting state from the phase history.
	var current *schemas.GeneratedPhase
	switch {
	case st.lastIncompletePhase() >= 0:
		idx := st.lastIncompletePhase()
		current = &st.GeneratedPhases[idx]
		a.MutateState(func(s *State) { s.DevState = schemas.StatePhaseImplementing })
	case st.anyPhaseCompleted():
		a.MutateState(func(s *State) { s.DevState = schemas.StatePhaseGenerating })
	default:
		if st.Blueprint == nil {
			return fmt.Errorf("cannot build: no blueprint")
		}
		initial := schemas.GeneratedPhase{PhaseConcept: st.Blueprint.InitialPhase}
		a.MutateState(func(s *State) {
			s.GeneratedPhases = append(s.GeneratedPhases, initial)
			s.DevState = schemas.StatePhaseImplementing
		})
		current = &initial
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		devState := a.StateSnapshot().DevState

		switch devState {
		case schemas.StatePhaseGenerating:
			phase, err := b.generatePhase(ctx, a)
			if err != nil {
				return err
			}
			if phase == nil {
				a.MutateState(func(s *State) { s.DevState = schemas.StateFinalizing })
				continue
			}
			current = phase
			a.MutateState(func(s *State) { s.DevState = schemas.StatePhaseImplementing })

		case schemas.StatePhaseImplementing:
			if current == nil {
				a.MutateState(func(s *State) { s.DevState = schemas.StatePhaseGenerating })
				continue
			}
			if err := b.implementPhase(ctx, a, current); err != nil {
				return err
			}
			st := a.StateSnapshot()
			if (current.LastPhase || st.PhasesCounter <= 0) && !a.HasPendingInputs() {
				a.MutateState(func(s *State) { s.DevState = schemas.StateFinalizing })
			} else {
				a.MutateState(func(s *State) { s.DevState = schemas.StatePhaseGenerating })
			}
			current = nil

		case schemas.StateFinalizing:
			if a.StateSnapshot().MVPGenerated {
				a.MutateState(func(s *State) { s.DevState = schemas.StateReviewing })
				continue
			}
			final := &schemas.GeneratedPhase{PhaseConcept: schemas.PhaseConcept{
				Name:        finalizationPhaseName,
				Description: "Review the generated application and polish loose ends.",
				LastPhase:   true,
			}}
			a.MutateState(func(s *State) { s.GeneratedPhases = append(s.GeneratedPhases, *final) })
			if err := b.implementPhase(ctx, a, final); err != nil {
				return err
			}
			a.MutateState(func(s *State) {
				s.MVPGenerated = true
				s.DevState = schemas.StateReviewing
			})

		case schemas.StateReviewing:
			if err := b.review(ctx, a); err != nil {
				return err
			}
			a.MutateState(func(s *State) { s.DevState = schemas.StateIdle })
			return nil

		default: // IDLE or unknown
			return nil
		}
	}
}

// generatePhase fetches current issues, drains pending user guidance and asks
// the planner for the next phase. A nil phase means: finalize.
func (b *phasicBehavior) generatePhase(ctx context.Context, a *Agent) (*schemas.GeneratedPhase, error) {
	a.Broadcast(schemas.MsgPhaseGenerating, nil)

	runtimeErrors := a.Deployer().FetchRuntimeErrors(ctx, true)
	analysis := a.Deployer().RunStaticAnalysis(ctx, nil)

	inputs, images := a.DrainUserInputs()
	op := a.OpContext(&schemas.UserContext{Inputs: inputs, Images: images})
	op.RuntimeErrors = runtimeErrors
	op.StaticAnalysis = analysis

	phase, err := a.Operations().GenerateNextPhase(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(phase.Files) == 0 {
		a.Logger().Info("Planner returned no files; finalizing")
		return nil, nil
	}

	generated := schemas.GeneratedPhase{PhaseConcept: *phase}
	a.MutateState(func(s *State) { s.GeneratedPhases = append(s.GeneratedPhases, generated) })

	if len(phase.DeleteFiles) > 0 {
		a.DeleteFiles(ctx, phase.DeleteFiles)
	}
	if len(phase.InstallCommands) > 0 {
		a.ExecuteCommands(ctx, phase.InstallCommands, true)
	}

	a.Broadcast(schemas.MsgPhaseGenerated, phase)
	return &generated, nil
}

// implementPhase streams file generation, saves the phase as one commit,
// executes phase commands, deploys and runs the validation fixes. The phase
// completes exactly once.
func (b *phasicBehavior) implementPhase(ctx context.Context, a *Agent, phase *schemas.GeneratedPhase) error {
	a.Broadcast(schemas.MsgPhaseImplementing, map[string]string{"name": phase.Name})

	op := a.OpContext(nil)
	result, err := a.Operations().ImplementPhase(ctx, op, phase.PhaseConcept, operations.ImplementCallbacks{
		OnFileStart: func(path, purpose string) {
			a.Broadcast(schemas.MsgFileGenerating, map[string]string{"filePath": path, "purpose": purpose})
		},
		OnFileChunk: func(path, chunk string) {
			a.Broadcast(schemas.MsgFileChunkGenerated, map[string]string{"filePath": path, "chunk": chunk})
		},
	})
	if err != nil {
		return err
	}

	commitMessage := fmt.Sprintf("feat: %s\n\n%s", phase.Name, phase.Description)
	saved, err := a.Files().SaveFiles(ctx, result.Files, commitMessage)
	if err != nil {
		return err
	}
	for _, f := range saved {
		a.Broadcast(schemas.MsgFileGenerated, f)
	}

	if len(result.Commands) > 0 {
		// Phase commands run without retries; only install flows get the
		// AI-assisted retry treatment.
		a.ExecuteCommands(ctx, result.Commands, false)
	}

	if _, err := a.Deployer().DeployToSandbox(ctx, saved, false, phase.Name, false, a.deployCallbacks()); err != nil {
		a.Logger().Error("Phase deployment failed", zap.Error(err))
	}

	a.Broadcast(schemas.MsgPhaseValidating, map[string]string{"name": phase.Name})
	a.RunDeterministicFixes(ctx)
	if a.cfg.Agent.FastSmartFixes {
		a.RunFastSmartFixes(ctx)
	}
	a.Broadcast(schemas.MsgPhaseValidated, map[string]string{"name": phase.Name})

	a.MutateState(func(s *State) {
		for i := range s.GeneratedPhases {
			if s.GeneratedPhases[i].Name == phase.Name && !s.GeneratedPhases[i].Completed {
				s.GeneratedPhases[i].Completed = true
				break
			}
		}
		s.PhasesCounter--
	})
	a.SaveState(ctx)
	a.Broadcast(schemas.MsgPhaseImplemented, map[string]string{"name": phase.Name})
	return nil
}

// review runs at most once: it inspects accumulated issues and, when
// something is broken, prompts the user to launch a deep-debug session.
func (b *phasicBehavior) review(ctx context.Context, a *Agent) error {
	if a.StateSnapshot().ReviewingInitiated {
		return nil
	}
	a.MutateState(func(s *State) { s.ReviewingInitiated = true })

	runtimeErrors := a.Deployer().FetchRuntimeErrors(ctx, false)
	analysis := a.Deployer().RunStaticAnalysis(ctx, nil)

	if len(runtimeErrors) == 0 && len(analysis.Typecheck.Issues) == 0 {
		a.Logger().Info("Review clean: no runtime or typecheck issues")
		return nil
	}

	msg := schemas.ConversationMessage{
		ConversationID: uuid.New().String(),
		Role:           schemas.RoleAssistant,
		Content: fmt.Sprintf(
			"The build finished with %d runtime error(s) and %d typecheck issue(s). "+
				"Launch a deep_debug session and I will work through them.",
			len(runtimeErrors), len(analysis.Typecheck.Issues)),
	}
	if err := a.convo.Add(ctx, a.StateSnapshot().SessionID, msg); err != nil {
		a.Logger().Error("Failed to record review message", zap.Error(err))
	}
	a.Broadcast(schemas.MsgConversationResponse, msg)
	return nil
}

// -- agentic behavior: declared variant, plan-driven single pass --

type agenticBehavior struct{}

func (b *agenticBehavior) Type() schemas.BehaviorType { return schemas.BehaviorAgentic }

// Build resolves the current plan through the one-shot codegen operation.
// The phasic path is the fully specified one; this variant keeps the shared
// operation surface alive for plan-driven sessions.
func (b *agenticBehavior) Build(ctx context.Context, a *Agent) error {
	st := a.StateSnapshot()
	plan := st.CurrentPlan
	if plan == "" {
		plan = st.Query
	}
	inputs, images := a.DrainUserInputs()
	op := a.OpContext(&schemas.UserContext{Inputs: inputs, Images: images})

	files, err := a.Operations().SimpleCodeGen(ctx, op, plan)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	saved, err := a.Files().SaveFiles(ctx, files, fmt.Sprintf("feat: %s", firstPlanLine(plan)))
	if err != nil {
		return err
	}
	for _, f := range saved {
		a.Broadcast(schemas.MsgFileGenerated, f)
	}
	_, err = a.Deployer().DeployToSandbox(ctx, saved, true, "agentic update", false, a.deployCallbacks())
	return err
}

func firstPlanLine(plan string) string {
	for i, r := range plan {
		if r == '\n' || i > 60 {
			return plan[:i]
		}
	}
	return plan
}
