package streaming

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/fieldlink/ctrld/pkg/hostutil"
)

// PipelineResolver resolves a pipeline id to a filesystem path (bound to
// internal/pipelines.Catalog.Resolve by the router).
type PipelineResolver interface {
	Resolve(id string) (path string, ok bool)
}

// Validate checks Params against the accepted field ranges: explicit
// per-field checks returning plain errors, aggregated with
// go.uber.org/multierr since the constraints are cross-referential
// (pipeline lookup needs the catalog).
func Validate(p Params, pipelines PipelineResolver) (pipelinePath string, err error) {
	var errs error

	if p.Delay < -2000 || p.Delay > 2000 {
		errs = multierr.Append(errs, fmt.Errorf("delay out of range: %d", p.Delay))
	}

	path, ok := pipelines.Resolve(p.Pipeline)
	if !ok {
		errs = multierr.Append(errs, fmt.Errorf("unknown pipeline: %s", p.Pipeline))
	} else {
		pipelinePath = path
	}

	if p.MaxBR < 300 || p.MaxBR > 12000 {
		errs = multierr.Append(errs, fmt.Errorf("invalid bitrate range: %d", p.MaxBR))
	}

	if p.SRTLatency < 100 || p.SRTLatency > 10000 {
		errs = multierr.Append(errs, fmt.Errorf("srt_latency out of range: %d", p.SRTLatency))
	}

	if p.SRTLAAddr == "" {
		errs = multierr.Append(errs, fmt.Errorf("srtla_addr is required"))
	} else if err := hostutil.ValidateHost(p.SRTLAAddr); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("srtla_addr: %w", err))
	}

	if p.SRTLAPort < 1 || p.SRTLAPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("srtla_port out of range: %d", p.SRTLAPort))
	}

	return pipelinePath, errs
}
