package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smdesai/vlm/format"
	"github.com/smdesai/vlm/model/input"
	"github.com/smdesai/vlm/model/models/qwenvl"
)

func parseDimension(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, s)
	}
	return n, nil
}

func ResizeHandler(cmd *cobra.Command, args []string) error {
	height, err := parseDimension("height", args[0])
	if err != nil {
		return err
	}

	width, err := parseDimension("width", args[1])
	if err != nil {
		return err
	}

	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	h, w, err := qwenvl.SmartResize(height, width, c.Factor(), c.MinPixels, c.MaxPixels)
	if err != nil {
		return err
	}

	grid := input.Grid{Temporal: 1, Height: h / c.PatchSize, Width: w / c.PatchSize}

	table := newTable(cmd.OutOrStdout(), "HEIGHT", "WIDTH", "GRID", "PATCHES", "TOKENS")
	table.Append([]string{
		strconv.Itoa(h),
		strconv.Itoa(w),
		fmt.Sprintf("%dx%dx%d", grid.Temporal, grid.Height, grid.Width),
		format.HumanNumber(uint64(grid.Product())),
		strconv.Itoa(grid.Product() / (c.MergeSize * c.MergeSize)),
	})
	table.Render()
	return nil
}

// parseGrid parses a grid written as TxHxW.
func parseGrid(s string) (input.Grid, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 3 {
		return input.Grid{}, fmt.Errorf("invalid grid %q: expected TxHxW", s)
	}

	var dims [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return input.Grid{}, fmt.Errorf("invalid grid %q: expected TxHxW", s)
		}
		dims[i] = n
	}

	return input.Grid{Temporal: dims[0], Height: dims[1], Width: dims[2]}, nil
}

func parseGrids(ss []string, c qwenvl.Config) ([]input.Grid, error) {
	grids := make([]input.Grid, 0, len(ss))
	for _, s := range ss {
		g, err := parseGrid(s)
		if err != nil {
			return nil, err
		}

		if err := c.ValidateGrid(g); err != nil {
			return nil, err
		}
		grids = append(grids, g)
	}
	return grids, nil
}

func PromptHandler(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	imageFlags, _ := cmd.Flags().GetStringArray("image")
	images, err := parseGrids(imageFlags, c)
	if err != nil {
		return err
	}

	videoFlags, _ := cmd.Flags().GetStringArray("video")
	videos, err := parseGrids(videoFlags, c)
	if err != nil {
		return err
	}

	var message string
	if len(args) > 0 {
		message = args[0]
	}

	system, _ := cmd.Flags().GetString("system")
	fmt.Fprintln(cmd.OutOrStdout(), qwenvl.Prompt(messages(system, message), images, videos, c.MergeSize))
	return nil
}
