package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"CoordScope/internal/domain/models"
	"CoordScope/pkg/config"
)

var bundleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("coordscope/evidence-bundle"))

// Recorder turns cycle results into immutable evidence bundles.
type Recorder struct {
	version    string
	seed       int64
	snapshot   map[string]any
	configHash string
	now        func() time.Time

	mu     sync.RWMutex
	golden []models.GoldenMetrics
}

// NewRecorder snapshots the engine configuration once; every bundle it builds carries the same hash.
func NewRecorder(cfg config.EngineConfig, version string) (*Recorder, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal engine config: %w", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot engine config: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Recorder{
		version:    version,
		seed:       cfg.ICP.Seed,
		snapshot:   snapshot,
		configHash: hex.EncodeToString(sum[:]),
		now:        time.Now,
	}, nil
}

// ConfigHash returns the hash stamped into every bundle.
func (r *Recorder) ConfigHash() string { return r.configHash }

// SetGolden attaches the latest calibration run to subsequent bundles.
func (r *Recorder) SetGolden(m []models.GoldenMetrics) {
	r.mu.Lock()
	r.golden = append([]models.GoldenMetrics(nil), m...)
	r.mu.Unlock()
}

// Golden returns the calibration metrics currently attached.
func (r *Recorder) Golden() []models.GoldenMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.GoldenMetrics(nil), r.golden...)
}

// Record builds the bundle for one cycle. The id is derived from the partition, window,
// data and configuration, so re-running a cycle on the same inputs yields the same id.
func (r *Recorder) Record(res models.CycleResult, batch models.DataBatch) (*models.EvidenceBundle, error) {
	dataSum, err := DataChecksum(batch)
	if err != nil {
		return nil, err
	}
	window := res.Risk.Window
	if window.From.IsZero() && window.To.IsZero() {
		window = batch.Window()
	}
	window = models.TimeWindow{From: window.From.UTC(), To: window.To.UTC()}

	key := fmt.Sprintf("%s|%d|%d|%s|%s", res.Partition, window.From.UnixNano(), window.To.UnixNano(), dataSum, r.configHash)

	b := &models.EvidenceBundle{
		BundleID:          uuid.NewSHA1(bundleNamespace, []byte(key)).String(),
		CreationTimestamp: r.now().UTC(),
		Partition:         res.Partition,
		AnalysisWindow:    window,
		VMMOutputs: models.VMMOutputs{
			ThetaPosteriorSummary: summarize(res.VMM.Posterior),
			Elbo:                  finite(res.VMM.Elbo),
			Converged:             res.VMM.Converged,
			Status:                res.VMM.Status,
			Iterations:            res.VMM.Iterations,
			Retries:               res.VMM.Retries,
		},
		ICPOutputs: models.ICPOutputs{
			Reject:        res.ICP.Reject,
			PValue:        finite(res.ICP.PValue),
			Status:        res.ICP.Status,
			TestStatistic: finite(res.ICP.TestStatistic),
			CriticalValue: finite(res.ICP.CriticalValue),
			NEnvironments: res.ICP.NEnvironments,
		},
		ValidationLayerOutputs: sanitizeLayers(res.Layers),
		RiskScore:              res.Risk.Score,
		RiskBand:               res.Risk.Band,
		Confidence:             finite(res.Risk.Confidence),
		CycleStatus:            res.Status,
		Provenance: models.Provenance{
			ConfigHash:    r.configHash,
			Config:        r.snapshot,
			DataChecksum:  dataSum,
			Observations:  batch.Len(),
			Seed:          r.seed,
			EngineVersion: r.version,
			Golden:        r.Golden(),
		},
	}
	sum, err := Checksum(b)
	if err != nil {
		return nil, err
	}
	b.Checksum = sum
	return b, nil
}

// Checksum hashes the canonical JSON of a bundle. The creation timestamp and the
// checksum field itself are excluded, so identical inputs hash identically.
func Checksum(b *models.EvidenceBundle) (string, error) {
	c := *b
	c.Checksum = ""
	c.CreationTimestamp = time.Time{}
	raw, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("canonical bundle: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the checksum of a stored bundle.
func Verify(b *models.EvidenceBundle) error {
	sum, err := Checksum(b)
	if err != nil {
		return err
	}
	if sum != b.Checksum {
		return fmt.Errorf("bundle %s: checksum mismatch", b.BundleID)
	}
	return nil
}

// DataChecksum hashes the observations of a batch in (timestamp, entity) order.
func DataChecksum(batch models.DataBatch) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, o := range batch.Sorted().Observations {
		o.Timestamp = o.Timestamp.UTC()
		if err := enc.Encode(o); err != nil {
			return "", fmt.Errorf("data checksum: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func summarize(p models.ThetaPosterior) models.ThetaSummary {
	s := models.ThetaSummary{
		Mean: make(map[string]float64, models.ThetaDim),
		Var:  make(map[string]float64, models.ThetaDim),
		CI:   finite(p.CoordinationIndex()),
	}
	for j, name := range models.ThetaNames {
		s.Mean[name] = finite(p.Mean[j])
		s.Var[name] = finite(p.Var[j])
	}
	return s
}

func sanitizeLayers(in []models.LayerResult) []models.LayerResult {
	out := make([]models.LayerResult, len(in))
	for i, l := range in {
		l.Score = finite(l.Score)
		if l.Diagnostics != nil {
			d := make(map[string]any, len(l.Diagnostics))
			for k, v := range l.Diagnostics {
				d[k] = sanitize(v)
			}
			l.Diagnostics = d
		}
		out[i] = l
	}
	return out
}

// sanitize replaces non-finite floats, which JSON cannot carry, with null.
func sanitize(v any) any {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case []float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = sanitize(x)
		}
		return out
	case [][]float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = sanitize(x)
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = sanitize(x)
		}
		return out
	case map[string]map[string]float64:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = sanitize(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = sanitize(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = sanitize(x)
		}
		return out
	default:
		return v
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
