package pipeline

// Well-known stage names of the default pipeline.
const (
	StageUpload        = "Upload"
	StageASR           = "ASR"
	StageOCTRA         = "OCTRA"
	StageMAUS          = "MAUS"
	StageEmuWebApp     = "Emu WebApp"
	StageTranslation   = "Translation"
	StageSummarization = "Summarization"
)

// StageSpec is one entry of a pipeline template: the stage identity plus
// its default configuration. Tasks materialize their operations from the
// template at creation time; length and order stay fixed for the task's
// lifetime.
type StageSpec struct {
	Name     string        `yaml:"name" json:"name"`
	Kind     OperationKind `yaml:"kind" json:"kind"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Provider string        `yaml:"provider,omitempty" json:"provider,omitempty"`
	Options  StageOptions  `yaml:"options,omitempty" json:"options"`
}

// DefaultPipeline is the stock five-stage template: upload, speech
// recognition, manual transcription, forced alignment, manual
// annotation.
func DefaultPipeline() []StageSpec {
	return []StageSpec{
		{Name: StageUpload, Kind: KindUpload, Enabled: true},
		{Name: StageASR, Kind: KindStandard, Enabled: true},
		{Name: StageOCTRA, Kind: KindTool, Enabled: true},
		{Name: StageMAUS, Kind: KindStandard, Enabled: true},
		{Name: StageEmuWebApp, Kind: KindTool, Enabled: true},
	}
}

// Materialize builds a task's operations from the template, assigning
// ids from the fleet counter.
func Materialize(template []StageSpec, counter *Counter) []*Operation {
	operations := make([]*Operation, 0, len(template))
	for _, spec := range template {
		op := NewOperation(counter.Next(), spec.Name, spec.Kind)
		op.Enabled = spec.Enabled
		op.Provider = spec.Provider
		op.Options = spec.Options
		operations = append(operations, op)
	}
	return operations
}
