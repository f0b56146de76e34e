// Package rest provides the Gin-based status API server.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/balancing"
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
	"github.com/ItsEcholot/real-stereo-extended/internal/store"
)

// StatusFunc returns a JSON serializable view of a component.
type StatusFunc func() any

// CameraCalibrator drives the camera calibration of a node.
type CameraCalibrator interface {
	SendCameraCalibrationRequest(ctx context.Context, nodeID int, start, finish, repeat bool) error
}

// Server is the REST API server: cluster status plus the calibration and
// balance switches.
type Server struct {
	engine    *gin.Engine
	store     *store.Store
	balancing *balancing.Manager
	role      string
	logger    *zap.Logger

	roomCalibration *balancing.Calibration
	camera          CameraCalibrator
}

// New creates a REST Server. st and bal may be nil on slaves.
func New(role string, st *store.Store, bal *balancing.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		store:     st,
		balancing: bal,
		role:      role,
		logger:    logger,
	}
	s.registerRoutes()
	return s
}

// SetCalibration enables the calibration endpoints.
func (s *Server) SetCalibration(room *balancing.Calibration, camera CameraCalibrator) {
	s.roomCalibration = room
	s.camera = camera
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Expose serves fn under /realstereo/<name>.
func (s *Server) Expose(name string, fn StatusFunc) {
	s.engine.GET("/realstereo/"+name, func(c *gin.Context) {
		c.JSON(http.StatusOK, fn())
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("REST API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// registerRoutes sets up the /realstereo context path.
func (s *Server) registerRoutes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rs := s.engine.Group("/realstereo")
	rs.GET("/health", s.health)
	if s.store != nil {
		rs.GET("/nodes", s.nodes)
		rs.GET("/rooms", s.rooms)
		rs.GET("/rooms/:id", s.room)
		rs.GET("/speakers", s.speakers)
		rs.GET("/settings", s.settings)
		rs.PUT("/settings", s.updateSettings)
		rs.POST("/rooms/:id/calibration", s.calibrateRoom)
		rs.POST("/nodes/:id/calibration", s.calibrateCamera)
	}
	if s.balancing != nil {
		rs.GET("/balancing", s.balancingRooms)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "role": s.role})
}

func (s *Server) nodes(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Nodes())
}

func (s *Server) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Rooms())
}

func (s *Server) room(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	r, ok := s.store.Room(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": store.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) speakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Speakers())
}

func (s *Server) settings(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Settings())
}

type balancingRoom struct {
	RoomID int                 `json:"roomId"`
	Info   *balancing.RoomInfo `json:"info,omitempty"`
}

func (s *Server) balancingRooms(c *gin.Context) {
	out := []balancingRoom{}
	for _, id := range s.balancing.Balancing() {
		br := balancingRoom{RoomID: id}
		if info, ok := s.balancing.Controller().Info(id); ok {
			br.Info = &info
		}
		out = append(out, br)
	}
	c.JSON(http.StatusOK, out)
}

type settingsRequest struct {
	Balance *bool `json:"balance" binding:"required"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Balance && !s.store.Settings().Balance {
		if names := uncalibratedRooms(s.store.Rooms()); len(names) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "the following rooms must be calibrated: " + strings.Join(names, ", "),
			})
			return
		}
	}
	s.store.UpdateSettings(func(st *models.Settings) bool {
		if st.Balance == *req.Balance {
			return false
		}
		st.Balance = *req.Balance
		return true
	})
	c.JSON(http.StatusOK, s.store.Settings())
}

func uncalibratedRooms(rooms []models.Room) []string {
	var names []string
	for _, r := range rooms {
		if len(r.CalibrationPoints) == 0 {
			names = append(names, r.Name)
		}
	}
	return names
}

type calibrationRequest struct {
	Start  bool    `json:"start"`
	Finish bool    `json:"finish"`
	Repeat bool    `json:"repeat"`
	Record bool    `json:"record"`
	Volume float64 `json:"volume"`
}

func (s *Server) calibrateRoom(c *gin.Context) {
	if s.roomCalibration == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "calibration unavailable"})
		return
	}
	id, req, ok := s.calibrationRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var err error
	switch {
	case req.Start:
		err = s.roomCalibration.Start(ctx, id)
	case req.Record:
		err = s.roomCalibration.Record(ctx, id, req.Volume)
	case req.Repeat:
		err = s.roomCalibration.Repeat(ctx, id)
	case req.Finish:
		err = s.roomCalibration.Finish(ctx, id)
	default:
		err = s.roomCalibration.Confirm(ctx, id)
	}
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	r, _ := s.store.Room(id)
	c.JSON(http.StatusOK, r)
}

func (s *Server) calibrateCamera(c *gin.Context) {
	if s.camera == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "calibration unavailable"})
		return
	}
	id, req, ok := s.calibrationRequest(c)
	if !ok {
		return
	}
	if err := s.camera.SendCameraCalibrationRequest(c.Request.Context(), id, req.Start, req.Finish, req.Repeat); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true})
}

func (s *Server) calibrationRequest(c *gin.Context) (int, calibrationRequest, bool) {
	var req calibrationRequest
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, req, false
	}
	return id, req, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, balancing.ErrCalibrating),
		errors.Is(err, balancing.ErrNotCalibrating),
		errors.Is(err, balancing.ErrNoPosition),
		errors.Is(err, balancing.ErrAllRecorded),
		errors.Is(err, balancing.ErrNoSpeakers):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
