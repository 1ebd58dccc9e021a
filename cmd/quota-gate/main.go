// Command quota-gate runs the quota-gate admission server.
package main

import "github.com/Sentinel-Gate/quotagate/cmd/quota-gate/cmd"

func main() {
	cmd.Execute()
}
