package dispatch

import (
	"fmt"
	"strings"
)

// substituteTokens applies the command token substitutions of spec §6
// before a frame is launched.
func substituteTokens(command string, layer LayerRequest, frameReq FrameRequest) string {
	r := strings.NewReplacer(
		"#ZFRAME#", fmt.Sprintf("%04d", frameReq.FrameNumber),
		"#IFRAME#", fmt.Sprintf("%d", frameReq.FrameNumber),
		"#FRAME_START#", fmt.Sprintf("%d", frameReq.FrameNumber),
		"#FRAME_END#", fmt.Sprintf("%d", frameReq.ChunkEnd),
		"#FRAME_CHUNK#", fmt.Sprintf("%d", layer.ChunkSize),
		"#LAYER#", layer.LayerName,
		"#JOB#", layer.JobName,
		"#FRAME#", frameReq.FrameName,
		"#FRAMESPEC#", frameReq.ChunkSpec,
	)
	return r.Replace(command)
}
