// squadctl validates team configurations and chats with a team from the
// terminal.
package main

func main() {
	Execute()
}
