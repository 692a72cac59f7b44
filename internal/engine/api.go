package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/yamachu/voicevox/internal/inference"
	"github.com/yamachu/voicevox/internal/protocol"
	"github.com/yamachu/voicevox/internal/rpc"
	"github.com/yamachu/voicevox/internal/voicelib"
	"github.com/yamachu/voicevox/internal/wav"
)

// API mounts the public synthesis surface. Catalog and cache questions are
// answered locally; the four linguistic operations delegate to the speech
// peer through the proxy.
type API struct {
	version string
	proxy   *Proxy
	service *Service
	catalog *voicelib.Catalog
	log     *slog.Logger
}

func NewAPI(version string, proxy *Proxy, service *Service, catalog *voicelib.Catalog, log *slog.Logger) *API {
	return &API{
		version: version,
		proxy:   proxy,
		service: service,
		catalog: catalog,
		log:     log.With(slog.String("component", "api")),
	}
}

// Mount registers the routes and request middleware.
func (a *API) Mount(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(a.requestID)

	e.GET("/version", a.handleVersion)
	e.GET("/speakers", a.handleSpeakers)
	e.POST("/initialize_speaker", a.handleInitializeSpeaker)
	e.GET("/is_initialized_speaker", a.handleIsInitializedSpeaker)
	e.POST("/initialize", a.handleInitialize)
	e.POST("/audio_query", a.handleAudioQuery)
	e.POST("/accent_phrases", a.handleAccentPhrases)
	e.POST("/mora_timing", a.handleMoraTiming)
	e.POST("/synthesis", a.handleSynthesis)
}

// requestID tags every request for log correlation.
func (a *API) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 12)
		if err != nil {
			id = "unknown"
		}
		c.Set("request_id", id)
		c.Response().Header().Set("X-Request-Id", id)
		return next(c)
	}
}

func (a *API) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, a.version)
}

func (a *API) handleSpeakers(c echo.Context) error {
	return c.JSON(http.StatusOK, a.catalog.Speakers())
}

func (a *API) handleInitialize(c echo.Context) error {
	if err := a.proxy.Initialize(c.Request().Context()); err != nil {
		return a.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleInitializeSpeaker(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	if err := a.service.WarmSpeaker(c.Request().Context(), speaker); err != nil {
		return a.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleIsInitializedSpeaker(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a.service.SpeakerReady(speaker))
}

func (a *API) handleAudioQuery(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	query, err := a.proxy.AudioQuery(c.Request().Context(), c.QueryParam("text"), speaker)
	if err != nil {
		return a.httpError(c, err)
	}
	return c.JSON(http.StatusOK, query)
}

func (a *API) handleAccentPhrases(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	phrases, err := a.proxy.AccentPhrases(c.Request().Context(), c.QueryParam("text"), speaker)
	if err != nil {
		return a.httpError(c, err)
	}
	return c.JSON(http.StatusOK, phrases)
}

func (a *API) handleMoraTiming(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	var phrases []protocol.AccentPhrase
	if err := json.NewDecoder(c.Request().Body).Decode(&phrases); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	timed, err := a.proxy.MoraTiming(c.Request().Context(), phrases, speaker)
	if err != nil {
		return a.httpError(c, err)
	}
	return c.JSON(http.StatusOK, timed)
}

func (a *API) handleSynthesis(c echo.Context) error {
	speaker, err := a.speaker(c)
	if err != nil {
		return err
	}
	var query protocol.AudioQuery
	if err := json.NewDecoder(c.Request().Body).Decode(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := a.proxy.Synthesize(c.Request().Context(), query, speaker)
	if err != nil {
		return a.httpError(c, err)
	}

	samples := reply.Samples
	channels := 1
	if query.OutputStereo {
		samples = wav.Duplicate(samples, 2)
		channels = 2
	}
	data, err := wav.Encode(samples, reply.SampleRate, channels)
	if err != nil {
		return a.httpError(c, err)
	}
	return c.Blob(http.StatusOK, "audio/wav", data)
}

// speaker parses and validates the speaker query parameter against the
// installed libraries.
func (a *API) speaker(c echo.Context) (int, error) {
	raw := c.QueryParam("speaker")
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "speaker query parameter required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid speaker %q", raw))
	}
	if !a.catalog.HasStyle(id) {
		return 0, echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("unknown speaker %d", id))
	}
	return id, nil
}

// httpError maps channel and cache failures onto the public surface.
// Remote failure messages pass through untouched.
func (a *API) httpError(c echo.Context, err error) error {
	var timeoutErr *rpc.TimeoutError
	var remoteErr *rpc.RemoteError
	var loadErr *inference.LoadError
	switch {
	case errors.Is(err, ErrNotInitialized):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrInitializing):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &timeoutErr):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &remoteErr):
		return echo.NewHTTPError(http.StatusBadGateway, remoteErr.Message)
	case errors.As(err, &loadErr):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		a.log.Error("request failed",
			slog.String("request_id", requestID(c)),
			slogError(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func requestID(c echo.Context) string {
	if id, ok := c.Get("request_id").(string); ok {
		return id
	}
	return ""
}
