// Package camera 1台のカメラを複数の視聴者と撮影要求で共有するセッションエンジン
//
// # 責務
// - 起動時とホットプラグ時のコールドプローブ
// - WebカメラとDSLRのどちらを使うかの選択
// - プレビューワーカーのライフサイクル管理
// - 最新フレームの共有と更新通知
// - デバイス所有権の排他制御と撮影の調停
// - 視聴者の参照カウント
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラのライブビューをMJPEGで複数人に配信したい
// - 配信を止めずにフル解像度の静止画を撮影したい
// - USBの抜き差しに追従したい
//
// # 仕様
// - FrameBuffer: バージョン付きの最新フレーム。更新はチャネルのcloseで一斉通知
// - OwnershipLock: 到着順で引き渡す再入可能な排他ロック
// - Worker: stopped → starting → running → stopping の状態遷移。停止待ちは時間制限つき
// - Coordinator: 撮影は同時に1件だけ。処理中の要求は待たずに busy で失敗
// - Watcher: 一定間隔でデバイス一覧を比較し、変化があれば再プローブ
// - 一時停止中のストリームは最後のフレームで止まる
//
// # 前提要件
//   - デバイス操作は internal/device のバックエンドに委ねる
//   - 撮影画像の保存先は Sink として外から渡す
package camera
