// Package server は、HTTPサーバーとMJPEG配信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// カメラ操作APIの提供、撮影画像の配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - MJPEGストリーム(/video_feed)の配信
//   - 撮影・一時停止・デバイス選択などの操作API
//   - 撮影画像(/captured_images)の配信
//
// 仕様:
//   - gin-gonic/gin を使用
//   - 撮影失敗は busy=409, not-ready=503, timeout=504, hardware=500 で返す
//   - CORSは設定されたオリジンにだけ許可する
//   - グレースフルシャットダウンではHTTPを先に止めてからカメラを解放する
package server
