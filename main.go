package main

import mqttsink "github.com/edgeflare/mqttsink/cmd/mqttsink"

func main() {
	mqttsink.Main()
}
