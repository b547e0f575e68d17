package streaming

import (
	"strconv"

	"github.com/fieldlink/ctrld/pkg/argvbuilder"
)

// buildEncoderArgv constructs the encoder invocation:
// (pipeline_path, "127.0.0.1", "9000", "-d", delay, "-b", bitrate_file,
// "-l", srt_latency [, "-s", srt_streamid]).
func buildEncoderArgv(encoderBin, pipelinePath, bitrateFile string, p Params) []string {
	b := argvbuilder.NewBuilder(encoderBin).
		WithArg(pipelinePath).
		WithArg("127.0.0.1").
		WithArg("9000").
		WithFlag("-d", strconv.Itoa(p.Delay)).
		WithFlag("-b", bitrateFile).
		WithFlag("-l", strconv.Itoa(p.SRTLatency))

	if p.SRTStreamID != "" {
		b.WithFlag("-s", p.SRTStreamID)
	}
	return b.Build()
}

// buildBonderArgv constructs the bonder invocation:
// (9000, srtla_addr, srtla_port, ips_file).
func buildBonderArgv(bonderBin string, srtlaAddr string, srtlaPort int, ipsFile string) []string {
	return argvbuilder.NewBuilder(bonderBin).
		WithArg("9000").
		WithArg(srtlaAddr).
		WithIntArg(srtlaPort).
		WithArg(ipsFile).
		Build()
}
