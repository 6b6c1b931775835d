// Command llmbroker browses the server directory, manages agreements and
// sends signed prompts from the command line.
package main

func main() {
	Execute()
}
