// Command taskmesh runs a master or a slave.
package main

import "yqhp/taskmesh/cmd"

func main() {
	cmd.Execute()
}
