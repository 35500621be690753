// Package cmd はphotohubコマンドの実装です
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NewRootCommand はルートコマンドを作成する
// サブコマンドなしで起動した場合はサーバーを起動する
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "photohub",
		Short: "UVCカメラと一眼レフを1台ずつ共有するカメラサーバー",
		Long: `photohub はWebカメラ(UVC)と一眼レフ(gphoto2)のどちらか1台を
ライブプレビュー(MJPEG)と静止画撮影で共有するHTTPサーバーです。

設定ファイルを --config で指定しない場合、次のディレクトリから
.photohub.{yaml,toml,json} を探します。

- ./
- $HOME/
- /etc/photohub/

設定値の優先順位は次の通りです。

- フラグ
- 環境変数 (PHOTOHUB_ 接頭辞、"." は "_" に置き換え。例: PHOTOHUB_SERVER_PORT)
- 設定ファイル
- デフォルト値`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfgFile)
		},
	}

	persistent := root.PersistentFlags()
	persistent.StringVarP(&cfgFile, "config", "c", "", "設定ファイルのパス")
	addFlags(persistent)

	root.AddCommand(
		newServeCommand(&cfgFile),
		newProbeCommand(&cfgFile),
		newDevicesCommand(&cfgFile),
		newConfigCommand(&cfgFile),
	)
	return root
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("host", "0.0.0.0", "リッスンするホスト")
	flags.IntP("port", "p", 8080, "リッスンするポート")
	flags.String("capture-dir", "./captured_images", "撮影画像の保存先")
	flags.String("driver", "", "mock を指定すると実機なしで動かす")
	flags.String("log-level", "info", "ログレベル (debug, info, warn, error)")
	flags.StringP("log-output", "l", "stdout", "ログの出力先 (stdout, stderr, ファイルパス)")
	flags.Bool("log-console", false, "人が読みやすい形式でログを出力する")
}

// Execute はコマンドを実行する
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
