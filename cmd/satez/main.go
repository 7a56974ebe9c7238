package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/satez/internal/app"
)

func main() {
	// ログは標準エラーへ出力し、clientサブコマンドの出力と分ける
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
