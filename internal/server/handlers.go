package server

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"photohub/internal/camera"
	"photohub/internal/device"
	"photohub/internal/storage"
)

// streamKeepAlive は新しいフレームを待つ1回あたりの上限
const streamKeepAlive = 2 * time.Second

// errorResponse はエラー時のレスポンス
type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// healthResponse はヘルスチェックのレスポンス
type healthResponse struct {
	camera.Status
	Time time.Time `json:"time"`
}

// devicesResponse はデバイス一覧のレスポンス
type devicesResponse struct {
	camera.Devices
	Time time.Time `json:"time"`
}

// captureResponse は撮影成功時のレスポンス
type captureResponse struct {
	OK         bool   `json:"ok"`
	ServerPath string `json:"serverPath"`
	URL        string `json:"url"`
	camera.CaptureResult
}

// handleRoot はサービス情報を返す
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"service": "photohub",
		"time":    time.Now(),
	})
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status: s.manager.Status(c.Request.Context()),
		Time:   time.Now(),
	})
}

// handleDevices は接続中のデバイス一覧を返す
func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, devicesResponse{
		Devices: s.manager.Devices(c.Request.Context()),
		Time:    time.Now(),
	})
}

// handleCameras は一眼レフの一覧と選択中のポートを返す
func (s *Server) handleCameras(c *gin.Context) {
	d := s.manager.Devices(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"cameras":       d.DSLR,
		"selected_port": d.SelectedPort,
	})
}

// handlePause はプレビューを一時停止する
func (s *Server) handlePause(c *gin.Context) {
	s.manager.Pause()
	c.JSON(http.StatusOK, gin.H{"ok": true, "paused": true})
}

// handleResume は一時停止を解除する
func (s *Server) handleResume(c *gin.Context) {
	s.manager.Resume()
	c.JSON(http.StatusOK, gin.H{"ok": true, "resumed": true})
}

// handleConfirm は撮影結果の確認後にプレビューを再開する
func (s *Server) handleConfirm(c *gin.Context) {
	s.manager.Resume()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleStopStream は一時停止してワーカーを止める
func (s *Server) handleStopStream(c *gin.Context) {
	s.manager.StopStream()
	c.JSON(http.StatusOK, gin.H{"ok": true, "stopped": true, "paused": true})
}

// handleSetCamera はデバイスを選択して再プローブする
// camera_port はクエリ、フォーム、JSONボディのいずれでも受け付ける
func (s *Server) handleSetCamera(c *gin.Context) {
	selector := c.Query("camera_port")
	if selector == "" {
		selector = c.PostForm("camera_port")
	}
	if selector == "" && strings.HasPrefix(c.ContentType(), "application/json") {
		var body struct {
			CameraPort string `json:"camera_port"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			selector = body.CameraPort
		}
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "camera_port required"})
		return
	}

	res, err := s.manager.SelectDevice(c.Request.Context(), selector)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, device.ErrUnavailable):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "selected_port": selector, "probe": res})
}

// handleResetCamera はUSBの占有を解放して再プローブする
func (s *Server) handleResetCamera(c *gin.Context) {
	res := s.manager.ResetDevice(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "reset": true, "probe": res})
}

// handleReprobe は再プローブする
func (s *Server) handleReprobe(c *gin.Context) {
	res := s.manager.ForceReprobe(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": res.OK, "probe": res})
}

// handleCapture は静止画を撮影する
func (s *Server) handleCapture(c *gin.Context) {
	res, err := s.manager.RequestCapture(c.Request.Context())
	if err != nil {
		kind, _ := camera.CaptureErrorKindOf(err)
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("撮影に失敗")
		c.JSON(captureStatus(kind), errorResponse{Error: err.Error(), Kind: string(kind)})
		return
	}

	c.JSON(http.StatusOK, captureResponse{
		OK:            true,
		ServerPath:    res.Path,
		URL:           "/captured_images/" + res.Name,
		CaptureResult: res,
	})
}

// captureStatus は撮影失敗の分類をHTTPステータスに変換する
func captureStatus(kind camera.CaptureErrorKind) int {
	switch kind {
	case camera.CaptureBusy:
		return http.StatusConflict
	case camera.CaptureNotReady:
		return http.StatusServiceUnavailable
	case camera.CaptureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleCapturedImage は保存済みの撮影画像を返す
func (s *Server) handleCapturedImage(c *gin.Context) {
	name := c.Param("name")
	f, info, err := s.store.Open(name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, storage.ErrInvalidName):
			status = http.StatusBadRequest
		case errors.Is(err, os.ErrNotExist):
			status = http.StatusNotFound
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}
	defer f.Close()

	c.Header("Content-Type", device.MIMEForName(info.Name))
	http.ServeContent(c.Writer, c.Request, info.Name, info.ModTime, f)
}

// handleVideoFeed はMJPEGストリーミングエンドポイント
// fresh=1 で古いフレームを捨て、resume=1 で一時停止を解除する
func (s *Server) handleVideoFeed(c *gin.Context) {
	viewer, err := s.manager.Subscribe(camera.SubscribeOptions{
		DiscardStale: c.Query("fresh") == "1",
		AutoResume:   c.Query("resume") == "1",
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	defer viewer.Close()

	streamMJPEG(s.streamCtx, c, viewer)
}
