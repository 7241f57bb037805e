package config

import "time"

// EngineConfig is the configuration surface of the coordination-detection core.
type EngineConfig struct {
	Labeler    LabelerConfig    `yaml:"labeler"`
	Moments    MomentsConfig    `yaml:"moments"`
	ICP        ICPConfig        `yaml:"icp"`
	VMM        VMMConfig        `yaml:"vmm"`
	Validation ValidationConfig `yaml:"validation"`
	Risk       RiskConfig       `yaml:"risk"`
	Cycle      CycleConfig      `yaml:"cycle"`
}

type LabelerConfig struct {
	// PrimaryDimension partitions data for ICP and the moment library.
	PrimaryDimension string `yaml:"primary_dimension" default:"volatility" validate:"oneof=volatility funding funding_shock liquidity"`
	MinObservations  int    `yaml:"min_observations" default:"100" validate:"gt=0"`
	// TrailingWindow bounds the tercile cut history in time buckets; 0 uses all available history.
	TrailingWindow   int     `yaml:"trailing_window" validate:"gte=0"`
	VolatilityWindow int     `yaml:"volatility_window" default:"20" validate:"gte=2"`
	ShockWindow      int     `yaml:"shock_window" default:"50" validate:"gte=2"`
	ShockZ           float64 `yaml:"shock_z" default:"2.5" validate:"gt=0"`
}

type MomentsConfig struct {
	// Comovement baseline g(E): "linear" (kappa + w*z) or "constant" (kappa).
	Comovement string `yaml:"comovement" default:"linear" validate:"oneof=linear constant"`
	// Variance baseline h(E): "pooled" residual variance or "constant" sigma2.
	Variance     string  `yaml:"variance" default:"pooled" validate:"oneof=pooled constant"`
	Sigma2       float64 `yaml:"sigma2" default:"1" validate:"gt=0"`
	LagRatio     float64 `yaml:"lag_ratio" validate:"gte=0,lte=1"`
	LeadLagScale float64 `yaml:"lead_lag_scale" default:"1" validate:"gt=0"`
	Weights      struct {
		Orthogonality float64 `yaml:"orthogonality" default:"1" validate:"gte=0"`
		Comovement    float64 `yaml:"comovement" default:"1" validate:"gte=0"`
		Variance      float64 `yaml:"variance" default:"0.5" validate:"gte=0"`
		LeadLag       float64 `yaml:"lead_lag" default:"1" validate:"gte=0"`
	} `yaml:"weights"`
}

type ICPConfig struct {
	Alpha            float64 `yaml:"alpha" default:"0.05" validate:"gt=0,lt=1"`
	BootstrapSamples int     `yaml:"bootstrap_samples" default:"1000" validate:"gte=10"`
	MinSamples       int     `yaml:"min_samples" default:"100" validate:"gte=5"`
	// BlockLength of the moving-block bootstrap; 0 uses ceil(n^(1/3)).
	BlockLength int   `yaml:"block_length" validate:"gte=0"`
	Seed        int64 `yaml:"seed" default:"42"`
}

// ConvergenceConfig bounds one optimisation mode.
type ConvergenceConfig struct {
	MaxIterations int     `yaml:"max_iterations" validate:"gt=0"`
	ElboWindow    int     `yaml:"elbo_window" validate:"gt=0"`
	GradTol       float64 `yaml:"grad_tol" default:"1e-6" validate:"gt=0"`
	ElboTol       float64 `yaml:"elbo_tol" default:"1e-8" validate:"gt=0"`
}

type VMMConfig struct {
	// Mode "streaming" runs bounded increments per cycle; "full" runs to full-batch limits.
	Mode         string            `yaml:"mode" default:"streaming" validate:"oneof=streaming full"`
	Lambda       float64           `yaml:"lambda" default:"0.01" validate:"gt=0"`
	LearningRate float64           `yaml:"learning_rate" default:"0.5" validate:"gt=0,lte=1"`
	LRDecay      float64           `yaml:"lr_decay" default:"0.001" validate:"gte=0"`
	PriorMean    []float64         `yaml:"prior_mean" default:"[0,0,0]" validate:"len=3"`
	PriorVar     []float64         `yaml:"prior_var" default:"[10,10,10]" validate:"len=3,dive,gt=0"`
	FullBatch    ConvergenceConfig `yaml:"full_batch" default:"{\"MaxIterations\":10000,\"ElboWindow\":200}"`
	Streaming    ConvergenceConfig `yaml:"streaming" default:"{\"MaxIterations\":50,\"ElboWindow\":5}"`
	MaxRetries   int               `yaml:"max_retries" default:"2" validate:"gte=0,lte=2"`
	// DecayPerDay is the exponential forgetting factor per day of row age.
	DecayPerDay    float64 `yaml:"decay_per_day" default:"0.98" validate:"gt=0,lte=1"`
	BreakThreshold float64 `yaml:"break_threshold" default:"25" validate:"gt=1"`
	CIMonitor      float64 `yaml:"ci_monitor" default:"0.1"`
	CICoordination float64 `yaml:"ci_coordination" default:"0.5"`
}

// ModeLimits returns the convergence limits for the configured mode.
func (v VMMConfig) ModeLimits() ConvergenceConfig {
	if v.Mode == "full" {
		return v.FullBatch
	}
	return v.Streaming
}

type ValidationConfig struct {
	LeadLag struct {
		Window int     `yaml:"window" default:"50" validate:"gte=10"`
		Step   int     `yaml:"step" default:"25" validate:"gt=0"`
		Alpha  float64 `yaml:"alpha" default:"0.05" validate:"gt=0,lt=1"`
	} `yaml:"lead_lag"`
	Mirroring struct {
		MinObservations int     `yaml:"min_observations" default:"50" validate:"gt=0"`
		Threshold       float64 `yaml:"threshold" default:"0.9" validate:"gt=0,lte=1"`
	} `yaml:"mirroring"`
	Regime struct {
		States          int     `yaml:"states" default:"3" validate:"gte=2,lte=6"`
		MaxIterations   int     `yaml:"max_iterations" default:"100" validate:"gt=0"`
		Tolerance       float64 `yaml:"tolerance" default:"1e-6" validate:"gt=0"`
		MinObservations int     `yaml:"min_observations" default:"60" validate:"gt=0"`
	} `yaml:"regime"`
	InfoFlow struct {
		Bins            int     `yaml:"bins" default:"3" validate:"gte=2,lte=10"`
		Threshold       float64 `yaml:"threshold" default:"0.01" validate:"gte=0"`
		MinObservations int     `yaml:"min_observations" default:"50" validate:"gt=0"`
	} `yaml:"info_flow"`
}

type RiskConfig struct {
	Weights struct {
		ICP    float64 `yaml:"icp" default:"0.4" validate:"gte=0,lte=1"`
		CI     float64 `yaml:"ci" default:"0.4" validate:"gte=0,lte=1"`
		Layers float64 `yaml:"layers" default:"0.2" validate:"gte=0,lte=1"`
	} `yaml:"weights"`
	Bands struct {
		LowMax   int `yaml:"low_max" default:"33"`
		AmberMax int `yaml:"amber_max" default:"66"`
	} `yaml:"bands"`
	// Delta normalises the coordination index: min(1, CI/delta).
	Delta    float64        `yaml:"delta" default:"0.5" validate:"gt=0"`
	Degraded DegradedConfig `yaml:"degraded"`
}

type DegradedConfig struct {
	Factor                 float64       `yaml:"factor" default:"2" validate:"gte=1"`
	ConvergenceFailureRate float64       `yaml:"convergence_failure_rate" default:"0.2" validate:"gt=0,lt=1"`
	ConvergenceWindow      time.Duration `yaml:"convergence_window" default:"2h"`
	ConvergenceSustain     time.Duration `yaml:"convergence_sustain" default:"2h"`
	MissingRatio           float64       `yaml:"missing_ratio" default:"0.05" validate:"gt=0,lt=1"`
	ExplainedVariance      float64       `yaml:"explained_variance" default:"0.5" validate:"gt=0,lt=1"`
	TriggerHold            time.Duration `yaml:"trigger_hold" default:"15m"`
	ClearSustain           time.Duration `yaml:"clear_sustain" default:"4h"`
	RestoreDuration        time.Duration `yaml:"restore_duration" default:"1h" validate:"gt=0"`
}

type CycleConfig struct {
	Interval time.Duration `yaml:"interval" default:"5m"`
	Budget   time.Duration `yaml:"budget" default:"10s" validate:"gt=0"`
	// Lookback is the data window loaded for each cycle.
	Lookback    time.Duration `yaml:"lookback" default:"168h"`
	Workers     int           `yaml:"workers" default:"4" validate:"gt=0"`
	QueueSize   int           `yaml:"queue_size" default:"16" validate:"gt=0"`
	GoldenCheck bool          `yaml:"golden_check" default:"true"`
	// Partitions pins the analysed pairs; when empty they are discovered from recent data.
	Partitions []PartitionConfig `yaml:"partitions" validate:"dive"`
}

type PartitionConfig struct {
	Market   string `yaml:"market" validate:"required"`
	Leader   string `yaml:"leader" validate:"required"`
	Follower string `yaml:"follower" validate:"required,nefield=Leader"`
}
