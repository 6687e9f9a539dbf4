package orchestrator

import "fmt"

type transition struct {
	from    Stage
	outcome Outcome
}

// transitions is the complete stage graph. Respond and FailSafe are terminal.
var transitions = map[transition]Stage{
	{StageCacheLookup, OutcomeHit}:  StageRespond,
	{StageCacheLookup, OutcomeMiss}: StageIntentRouting,

	{StageIntentRouting, OutcomeOK}:       StageTranslation,
	{StageIntentRouting, OutcomeFallback}: StageTranslation,

	{StageTranslation, OutcomeOK}:      StageRetrieval,
	{StageTranslation, OutcomeSkipped}: StageRetrieval,

	{StageRetrieval, OutcomeOK}:      StageSynthesis,
	{StageRetrieval, OutcomeGenDown}: StageFailSafe,
	{StageRetrieval, OutcomeEmpty}:   StageFailSafe,

	{StageSynthesis, OutcomeOK}:     StageValidation,
	{StageSynthesis, OutcomeFailed}: StageFailSafe,

	{StageValidation, OutcomeOK}:       StageRespond,
	{StageValidation, OutcomeRetry}:    StageSynthesis,
	{StageValidation, OutcomeRejected}: StageFailSafe,
}

func nextStage(from Stage, outcome Outcome) (Stage, error) {
	next, ok := transitions[transition{from, outcome}]
	if !ok {
		return StageFailSafe, fmt.Errorf("no transition from %s on %s", from, outcome)
	}
	return next, nil
}
