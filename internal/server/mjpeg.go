package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"photohub/internal/camera"
)

// mjpegBoundary はmultipartの区切り文字列
const mjpegBoundary = "frame"

// streamMJPEG はMJPEGストリームを配信する
// 新しいフレームが来るまで接続を保ち、一時停止中は最後のフレームのまま待つ
func streamMJPEG(serverCtx context.Context, c *gin.Context, viewer *camera.Viewer) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	// クライアント切断とサーバー停止のどちらでも終わる
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(serverCtx, cancel)
	defer stop()

	// ストリーミングループ
	for {
		snap, ok := viewer.Next(ctx, streamKeepAlive)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := writePart(writer, snap.Payload); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

// writePart はMJPEGの1フレーム分を書き込む
func writePart(w http.ResponseWriter, frame []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
