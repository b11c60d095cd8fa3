// collabctl 是协作服务的终端客户端：签发开发用 token、查看文档、在终端里加入编辑。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := App(os.Stdin, os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
