// Command pagewise is the billing administration CLI.
package main

import "github.com/kamilpajak/pagewise/cmd/pagewise"

func main() {
	pagewise.Execute()
}
