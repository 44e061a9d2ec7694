/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "flowgate/cmd"

func main() {
	cmd.Execute()
}
