package domain

// Stage identifies one ordered step of the fixed processing pipeline.
// The set is closed so stage transitions are exhaustively matchable
// instead of stringly-typed.
type Stage int

const (
	StageInitialize Stage = iota + 1
	StageScrape
	StageExtract
	StageStructure
	StagePersist
)

// StageCount is the total number of pipeline stages.
const StageCount = int(StagePersist)

// Label returns the human-readable description of the stage.
func (s Stage) Label() string {
	switch s {
	case StageInitialize:
		return "Preparing job"
	case StageScrape:
		return "Fetching video data"
	case StageExtract:
		return "Extracting transcript"
	case StageStructure:
		return "Structuring recipe"
	case StagePersist:
		return "Saving recipe"
	default:
		return "Unknown"
	}
}

// Category returns the failure category recorded when this stage fails.
func (s Stage) Category() string {
	switch s {
	case StageInitialize:
		return "validation"
	case StageScrape:
		return "scrape"
	case StageExtract:
		return "extract"
	case StageStructure:
		return "structure"
	case StagePersist:
		return "persist"
	default:
		return "internal"
	}
}
