package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/n0remac/faceserve/client"
)

const usageText = "Usage: uqfaceclient portnum [--replacefile filename] [--outputfilename filename] [--detectfile filename]"

// onceString is a pflag.Value that rejects empty values and a second
// occurrence of its flag.
type onceString struct {
	set bool
	val string
}

func (o *onceString) String() string { return o.val }
func (o *onceString) Type() string   { return "filename" }

func (o *onceString) Set(s string) error {
	if o.set {
		return errors.New("flag given more than once")
	}
	if s == "" {
		return errors.New("filename must not be empty")
	}
	o.set = true
	o.val = s
	return nil
}

func main() {
	var replaceFile, outputFile, detectFile onceString

	flags := pflag.NewFlagSet("uqfaceclient", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.Usage = func() {}
	flags.Var(&replaceFile, "replacefile", "image whose pixels replace each detected face")
	flags.Var(&outputFile, "outputfilename", "write the result here instead of standard output")
	flags.Var(&detectFile, "detectfile", "read the image here instead of standard input")

	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
	}
	args := flags.Args()
	if len(args) != 1 || args[0] == "" {
		usage()
	}

	code := client.Run(client.Config{
		Port:        args[0],
		DetectFile:  detectFile.val,
		ReplaceFile: replaceFile.val,
		OutputFile:  outputFile.val,
	}, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, usageText)
	os.Exit(client.ExitUsage)
}
