package console

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{`        _ _       _   `, "#818cf8"},
	{`  _ __ (_) | ___ | |_ `, "#a78bfa"},
	{` | '_ \| | |/ _ \| __|`, "#c084fc"},
	{` | |_) | | | (_) | |_ `, "#e879f9"},
	{` | .__/|_|_|\___/ \__|`, "#f472b6"},
	{` |_|                  `, "#fb7185"},
}

// PrintBanner writes the pilot banner, colored when the terminal supports it.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}
