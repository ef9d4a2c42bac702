package domain

// Stage identifies one step of the model lifecycle. Anchors, receipts and
// policies are all scoped to a stage, and stages advance strictly in the
// order listed in StageOrder.
type Stage string

const (
	StageDataset    Stage = "dataset"
	StageModel      Stage = "model"
	StageTraining   Stage = "training"
	StageDeployment Stage = "deployment"
	StageInference  Stage = "inference"
)

var StageOrder = []Stage{
	StageDataset,
	StageModel,
	StageTraining,
	StageDeployment,
	StageInference,
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of the stage in the lifecycle, or -1 for an
// unknown stage.
func (s Stage) Index() int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}
