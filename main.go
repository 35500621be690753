// Package main はphotohubサーバーのエントリーポイントです
package main

import "photohub/cmd"

func main() {
	cmd.Execute()
}
