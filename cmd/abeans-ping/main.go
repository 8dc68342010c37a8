// abeans-ping is a trivial test client for exercising the embedded
// exec/data protocol by hand: it reads up to five lines from stdin,
// echoing each back as "<n> - pong: <line>" (n counting from 0) and then
// pausing for a second, then exits.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)

	for i := 0; i < 5 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		fmt.Printf("%d - pong: %s\n", i, line)
		time.Sleep(time.Second)
	}
}
