package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/convert"
	"github.com/smdesai/vlm/envconfig"
	"github.com/smdesai/vlm/format"
	"github.com/smdesai/vlm/logutil"
	"github.com/smdesai/vlm/model/imageproc"
	"github.com/smdesai/vlm/model/input"
	"github.com/smdesai/vlm/model/models/qwenvl"
	"github.com/smdesai/vlm/server"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// newProgress returns a bar on stderr, or a silent one when stderr is not
// a terminal.
func newProgress(total int, description string) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return progressbar.DefaultSilent(int64(total), description)
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

func messages(system, user string) []api.Message {
	var msgs []api.Message
	if system != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: system})
	}
	return append(msgs, api.Message{Role: "user", Content: user})
}

func PreprocessHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	videos, _ := cmd.Flags().GetStringArray("video")
	if len(args) == 0 && len(videos) == 0 {
		return fmt.Errorf("no images or videos given")
	}

	output, _ := cmd.Flags().GetString("output")
	dtype, err := convert.ParseDType(cmd.Flag("dtype").Value.String())
	if err != nil {
		return err
	}

	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := qwenvl.New(c, qwenvl.WithVideoConfig(server.VideoConfig()))
	if err != nil {
		return err
	}

	system, _ := cmd.Flags().GetString("system")
	message, _ := cmd.Flags().GetString("message")
	req := qwenvl.Request{Messages: messages(system, message)}

	bar := newProgress(len(args)+len(videos)+1, "reading")
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		req.Images = append(req.Images, data)
		bar.Add(1)
	}

	for _, path := range videos {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		req.Videos = append(req.Videos, data)
		bar.Add(1)
	}

	bar.Describe("preprocessing")
	result, err := p.Process(cmd.Context(), req)
	if err != nil {
		return err
	}
	bar.Finish()

	for _, i := range result.SkippedVideos {
		fmt.Fprintf(os.Stderr, "Warning: skipped video '%s', it could not be decoded\n", videos[i])
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, result.Prompt)

	table := newTable(w, "INPUT", "GRID", "PATCHES", "TOKENS")
	table.AppendBulk(gridRows(result.Image, "image", c.MergeSize))
	table.AppendBulk(gridRows(result.Video, "video", c.MergeSize))
	table.Render()

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		fmt.Fprintln(w)
		table := newTable(w, "INPUT", "CHANNEL", "MEAN", "STD")
		table.AppendBulk(statsRows(result.Image, "image"))
		table.AppendBulk(statsRows(result.Video, "video"))
		table.Render()
	}

	if output == "" {
		return nil
	}

	return writeOutput(output, dtype, &input.Input{Image: result.Image, Video: result.Video})
}

func gridRows(v *input.Vision, kind string, mergeSize int) [][]string {
	if v == nil {
		return nil
	}

	rows := make([][]string, len(v.Grids))
	for i, g := range v.Grids {
		rows[i] = []string{
			kind + " " + strconv.Itoa(i),
			fmt.Sprintf("%dx%dx%d", g.Temporal, g.Height, g.Width),
			format.HumanNumber(uint64(g.Product())),
			strconv.Itoa(g.Product() / (mergeSize * mergeSize)),
		}
	}
	return rows
}

// channelPlanes regroups a patch matrix into one plane per channel.
func channelPlanes(v *input.Vision, channels int) []float32 {
	block := v.Cols / channels
	plane := v.Rows * block

	planes := make([]float32, len(v.Pixels))
	for r := range v.Rows {
		row := v.Pixels[r*v.Cols : (r+1)*v.Cols]
		for c := range channels {
			copy(planes[c*plane+r*block:c*plane+(r+1)*block], row[c*block:(c+1)*block])
		}
	}
	return planes
}

func statsRows(v *input.Vision, kind string) [][]string {
	if v == nil {
		return nil
	}

	const channels = 3
	mean, std := imageproc.ChannelStats(channelPlanes(v, channels), channels)

	rows := make([][]string, channels)
	for i := range channels {
		rows[i] = []string{
			kind,
			[]string{"R", "G", "B"}[i],
			strconv.FormatFloat(mean[i], 'f', 4, 64),
			strconv.FormatFloat(std[i], 'f', 4, 64),
		}
	}
	return rows
}

func writeOutput(path, dtype string, in *input.Input) error {
	tensors, metadata, err := convert.VisionTensors(in)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.WriteSafetensors(f, tensors, dtype, metadata); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "wrote %s (%s)\n", path, format.HumanBytes(fi.Size()))
	return f.Close()
}
