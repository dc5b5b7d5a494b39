package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/envconfig"
	"github.com/smdesai/vlm/logutil"
	"github.com/smdesai/vlm/model/imageproc"
	"github.com/smdesai/vlm/model/input"
	"github.com/smdesai/vlm/model/models/qwenvl"
	"github.com/smdesai/vlm/modelcache"
	"github.com/smdesai/vlm/version"
)

const (
	mediaCBOR       = "application/cbor"
	requestIDHeader = "X-Request-Id"
)

type Server struct {
	addr   net.Addr
	config qwenvl.Config
	video  imageproc.VideoExtractionConfig
	cache  *modelcache.Cache
}

// VideoConfig returns the frame sampling configured by the VLM_VIDEO_* and
// VLM_TMPDIR variables.
func VideoConfig() imageproc.VideoExtractionConfig {
	vc := imageproc.DefaultVideoConfig()
	vc.FPS = envconfig.VideoFPS
	vc.MaxFrames = envconfig.VideoMaxFrames
	vc.Timeout = envconfig.VideoTimeout
	vc.TempDir = envconfig.TmpDir
	return vc
}

// configFor applies per request overrides to the server configuration.
func (s *Server) configFor(opts *api.ProcessorOptions) (qwenvl.Config, error) {
	c := s.config
	if opts == nil {
		return c, nil
	}

	if len(opts.ImageMean) > 0 {
		c.ImageMean = opts.ImageMean
	}
	if len(opts.ImageStd) > 0 {
		c.ImageStd = opts.ImageStd
	}
	if opts.MinPixels > 0 {
		c.MinPixels = opts.MinPixels
	}
	if opts.MaxPixels > 0 {
		c.MaxPixels = opts.MaxPixels
	}
	if opts.MergeSize > 0 {
		c.MergeSize = opts.MergeSize
	}
	if opts.PatchSize > 0 {
		c.PatchSize = opts.PatchSize
	}
	if opts.TemporalPatchSize > 0 {
		c.TemporalPatchSize = opts.TemporalPatchSize
	}

	return c, c.Validate()
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, qwenvl.ErrInvalidDimension),
		errors.Is(err, qwenvl.ErrAspectRatioExceeded),
		errors.Is(err, qwenvl.ErrDecodeImage),
		errors.Is(err, qwenvl.ErrInvalidFrames),
		errors.Is(err, qwenvl.ErrInvalidConfig),
		errors.Is(err, input.ErrInvalidGrid),
		errors.Is(err, modelcache.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, modelcache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bind decodes the request body as CBOR or JSON depending on its content
// type.
func bind(c *gin.Context, v any) error {
	if c.ContentType() == mediaCBOR {
		bts, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return err
		}
		if len(bts) == 0 {
			return io.EOF
		}
		return cbor.Unmarshal(bts, v)
	}

	return c.ShouldBindJSON(v)
}

func bindRequest(c *gin.Context, v any) bool {
	if err := bind(c, v); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return false
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// respond writes v as CBOR when the client asks for it and JSON otherwise.
func respond(c *gin.Context, v any) {
	if strings.Contains(c.GetHeader("Accept"), mediaCBOR) {
		bts, err := cbor.Marshal(v)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Data(http.StatusOK, mediaCBOR, bts)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (s *Server) ResizeHandler(c *gin.Context) {
	var req api.ResizeRequest
	if !bindRequest(c, &req) {
		return
	}

	cfg, err := s.configFor(req.Options)
	if err != nil {
		abortWithError(c, err)
		return
	}

	h, w, err := qwenvl.SmartResize(req.Height, req.Width, cfg.Factor(), cfg.MinPixels, cfg.MaxPixels)
	if err != nil {
		abortWithError(c, err)
		return
	}

	grid := input.Grid{Temporal: 1, Height: h / cfg.PatchSize, Width: w / cfg.PatchSize}
	c.JSON(http.StatusOK, api.ResizeResponse{
		Height: h,
		Width:  w,
		Grid:   grid,
		Tokens: grid.Product() / (cfg.MergeSize * cfg.MergeSize),
	})
}

func (s *Server) PromptHandler(c *gin.Context) {
	var req api.PromptRequest
	if !bindRequest(c, &req) {
		return
	}

	cfg, err := s.configFor(req.Options)
	if err != nil {
		abortWithError(c, err)
		return
	}

	for _, g := range slices.Concat(req.Images, req.Videos) {
		if err := cfg.ValidateGrid(g); err != nil {
			abortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, api.PromptResponse{
		Prompt: qwenvl.Prompt(req.Messages, req.Images, req.Videos, cfg.MergeSize),
	})
}

func visionResponse(v *input.Vision, pixels bool) *api.VisionResponse {
	if v == nil {
		return nil
	}

	resp := &api.VisionResponse{Rows: v.Rows, Cols: v.Cols, Grids: v.Grids}
	if pixels {
		resp.Pixels = v.Pixels
	}
	return resp
}

func (s *Server) PreprocessHandler(c *gin.Context) {
	start := time.Now()

	var req api.PreprocessRequest
	if !bindRequest(c, &req) {
		return
	}

	cfg, err := s.configFor(req.Options)
	if err != nil {
		abortWithError(c, err)
		return
	}

	p, err := qwenvl.New(cfg, qwenvl.WithVideoConfig(s.video))
	if err != nil {
		abortWithError(c, err)
		return
	}

	r := qwenvl.Request{Messages: req.Messages}
	for _, img := range req.Images {
		r.Images = append(r.Images, img)
	}
	for _, v := range req.Videos {
		r.Videos = append(r.Videos, v)
	}

	result, err := p.Process(c.Request.Context(), r)
	if err != nil {
		abortWithError(c, err)
		return
	}

	respond(c, api.PreprocessResponse{
		Prompt:        result.Prompt,
		Image:         visionResponse(result.Image, req.Pixels),
		Video:         visionResponse(result.Video, req.Pixels),
		SkippedVideos: result.SkippedVideos,
		TotalDuration: time.Since(start),
	})
}

func (s *Server) ListHandler(c *gin.Context) {
	ms, err := s.cache.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	models := []api.ModelResponse{}
	for _, m := range ms {
		models = append(models, api.ModelResponse{
			Name:       m.Name,
			Model:      m.Repo,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}

	c.JSON(http.StatusOK, api.ListResponse{Models: models})
}

func (s *Server) DeleteHandler(c *gin.Context) {
	var r api.DeleteRequest
	if !bindRequest(c, &r) {
		return
	}

	if err := s.cache.Delete(r.Model); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

// requestID tags every request with an id and logs its outcome.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		c.Request = c.Request.WithContext(logutil.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		slog.DebugContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		requestIDHeader,
	}
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
		requestID(),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "vlm is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "vlm is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.POST("/api/resize", s.ResizeHandler)
	r.POST("/api/prompt", s.PromptHandler)
	r.POST("/api/preprocess", s.PreprocessHandler)

	r.HEAD("/api/models", s.ListHandler)
	r.GET("/api/models", s.ListHandler)
	r.DELETE("/api/models", s.DeleteHandler)

	return r
}

// Serve processes requests on ln until it is closed or the process is
// interrupted.
func Serve(ln net.Listener, config qwenvl.Config) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	if err := config.Validate(); err != nil {
		return err
	}

	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		addr:   ln.Addr(),
		config: config,
		video:  VideoConfig(),
		cache:  modelcache.New(envconfig.ModelsDir),
	}

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srvr.Shutdown(ctx)
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
