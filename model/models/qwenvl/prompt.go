package qwenvl

import (
	"slices"
	"strings"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/model/input"
)

const (
	imStartTag     = "<|im_start|>"
	imEndTag       = "<|im_end|>"
	visionStartTag = "<|vision_start|>"
	visionEndTag   = "<|vision_end|>"
	imagePadTag    = "<|image_pad|>"
	videoPadTag    = "<|video_pad|>"

	DefaultSystemPrompt = "You are a helpful assistant."
)

// Prompt renders messages in the ChatML layout used by Qwen-VL. The last
// message receives one vision block per image, then per video, each holding
// one placeholder token per merged patch group of the corresponding grid.
// The prompt ends with an open assistant turn. Grids are not validated;
// use Config.ValidateGrid for grids from untrusted sources.
func Prompt(messages []api.Message, images, videos []input.Grid, mergeSize int) string {
	msgs := slices.Clone(messages)
	if len(msgs) == 0 {
		msgs = append(msgs, api.Message{Role: "user"})
	}

	if msgs[0].Role != "system" {
		msgs = slices.Insert(msgs, 0, api.Message{Role: "system", Content: DefaultSystemPrompt})
	}

	mergeLength := mergeSize * mergeSize

	var vision strings.Builder
	for _, grid := range images {
		writeVision(&vision, imagePadTag, grid.Product()/mergeLength)
	}
	for _, grid := range videos {
		writeVision(&vision, videoPadTag, grid.Product()/mergeLength)
	}

	last := len(msgs) - 1
	msgs[last].Content += vision.String()

	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}

		role := m.Role
		if role == "" {
			role = "user"
		}

		sb.WriteString(imStartTag + role + "\n" + m.Content + imEndTag)
	}
	sb.WriteString("\n" + imStartTag + "assistant\n")

	return sb.String()
}

func writeVision(sb *strings.Builder, pad string, n int) {
	sb.WriteString(visionStartTag)
	sb.WriteString(strings.Repeat(pad, max(n, 0)))
	sb.WriteString(visionEndTag)
}
