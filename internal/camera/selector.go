package camera

import (
	"context"

	"photohub/internal/device"
)

// SelectEngine は使用するエンジンを決める
// 一眼レフのバックエンドが存在し、利用可能で、1台以上接続されていればDSLR、それ以外はUVC
// 結果はキャッシュせず、判断が必要になるたびに呼び出す
func SelectEngine(ctx context.Context, dslr device.Backend) device.Engine {
	if dslr == nil || !dslr.Available() {
		return device.EngineUVC
	}
	ids, err := dslr.Enumerate(ctx)
	if err != nil || len(ids) == 0 {
		return device.EngineUVC
	}
	return device.EngineDSLR
}
