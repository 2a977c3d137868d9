// Command go-lifetime runs and drives a NATS lease service.
package main

import "github.com/ozanturksever/go-lifetime/cmd/go-lifetime/cmd"

func main() {
	cmd.Execute()
}
