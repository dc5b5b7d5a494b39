package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/envconfig"
	"github.com/smdesai/vlm/model/models/qwenvl"
	"github.com/smdesai/vlm/modelcache"
	"github.com/smdesai/vlm/server"
	"github.com/smdesai/vlm/version"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// addConfigFlags registers the flags read by loadConfig.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to a preprocessor_config.json or a model directory")
	cmd.Flags().String("model", "", "Read the preprocessor config of a cached model (org/model)")
	cmd.Flags().Int("min-pixels", 0, "Override the minimum number of pixels of a resized image")
	cmd.Flags().Int("max-pixels", 0, "Override the maximum number of pixels of a resized image")
	cmd.MarkFlagsMutuallyExclusive("config", "model")
}

// loadConfig builds the processor configuration from the flags added by
// addConfigFlags.
func loadConfig(cmd *cobra.Command) (qwenvl.Config, error) {
	c := qwenvl.DefaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if name, _ := cmd.Flags().GetString("model"); name != "" {
		org, model, err := modelcache.ParseName(name)
		if err != nil {
			return qwenvl.Config{}, err
		}
		path = filepath.Join(envconfig.ModelsDir, org, model)
	}

	if path != "" {
		var err error
		if c, err = qwenvl.LoadConfig(path); err != nil {
			return qwenvl.Config{}, err
		}
	}

	if n, _ := cmd.Flags().GetInt("min-pixels"); n > 0 {
		c.MinPixels = n
	}
	if n, _ := cmd.Flags().GetInt("max-pixels"); n > 0 {
		c.MaxPixels = n
	}

	return c, c.Validate()
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) || strings.Contains(err.Error(), " refused") {
			host, _ := url.Parse(envconfig.Host.String())
			if host != nil && version.IsLocalHost(host) {
				return fmt.Errorf("vlm server not responding, start it with 'vlm serve': %w", err)
			}
			return fmt.Errorf("vlm server at %s not responding: %w", envconfig.Host, err)
		}
		return err
	}

	return nil
}

func RunServer(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(envconfig.Host.Host, envconfig.Host.Port))
	if err != nil {
		return err
	}

	return server.Serve(ln, c)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: could not connect to a running vlm server")
	}

	if serverVersion != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "vlm server version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(cmd.OutOrStdout(), "Warning: client version is %s\n", version.Version)
	}
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vlm",
		Short:         "Qwen-VL input preprocessor",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the preprocessing server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	addConfigFlags(serveCmd)

	preprocessCmd := &cobra.Command{
		Use:   "preprocess [IMAGE...]",
		Short: "Turn images and videos into model input",
		Long: `Resize, normalize and patch images and videos the way Qwen-VL models expect,
and render the matching chat prompt. The patches can be written to a
safetensors file for use by a model runner.`,
		RunE: PreprocessHandler,
	}
	addConfigFlags(preprocessCmd)
	preprocessCmd.Flags().StringArray("video", nil, "Video file to sample frames from (repeatable)")
	preprocessCmd.Flags().StringP("message", "m", "", "User message")
	preprocessCmd.Flags().String("system", "", "System prompt")
	preprocessCmd.Flags().StringP("output", "o", "", "Write patches to a safetensors file")
	preprocessCmd.Flags().String("dtype", "f32", "Data type of the safetensors output (f32, f16, bf16)")
	preprocessCmd.Flags().Bool("stats", false, "Show per channel statistics of the normalized pixels")

	resizeCmd := &cobra.Command{
		Use:   "resize HEIGHT WIDTH",
		Short: "Show the resized dimensions and patch grid of an image size",
		Args:  cobra.ExactArgs(2),
		RunE:  ResizeHandler,
	}
	addConfigFlags(resizeCmd)

	promptCmd := &cobra.Command{
		Use:   "prompt [MESSAGE]",
		Short: "Render the chat prompt for known patch grids",
		Args:  cobra.MaximumNArgs(1),
		RunE:  PromptHandler,
	}
	addConfigFlags(promptCmd)
	promptCmd.Flags().StringArray("image", nil, "Grid of an image as TxHxW (repeatable)")
	promptCmd.Flags().StringArray("video", nil, "Grid of a video as TxHxW (repeatable)")
	promptCmd.Flags().String("system", "", "System prompt")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the local model cache",
	}

	listCmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List cached models",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    ListHandler,
	}

	deleteCmd := &cobra.Command{
		Use:     "rm MODEL [MODEL...]",
		Aliases: []string{"delete"},
		Short:   "Remove cached models",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    DeleteHandler,
	}

	modelsCmd.AddCommand(listCmd, deleteCmd)

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["VLM_HOST"], envVars["VLM_DEBUG"]}

	for _, cmd := range []*cobra.Command{
		serveCmd,
		preprocessCmd,
		listCmd,
		deleteCmd,
	} {
		switch cmd {
		case serveCmd:
			keys := make([]string, 0, len(envVars))
			for k := range envVars {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			serveEnvs := make([]envconfig.EnvVar, 0, len(keys))
			for _, k := range keys {
				serveEnvs = append(serveEnvs, envVars[k])
			}
			appendEnvDocs(cmd, serveEnvs)
		case preprocessCmd:
			appendEnvDocs(cmd, append(envs, envVars["VLM_MODELS"], envVars["VLM_TMPDIR"], envVars["VLM_VIDEO_FPS"], envVars["VLM_VIDEO_MAX_FRAMES"], envVars["VLM_VIDEO_TIMEOUT"]))
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		preprocessCmd,
		resizeCmd,
		promptCmd,
		modelsCmd,
	)

	return rootCmd
}
