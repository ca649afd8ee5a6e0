// Command patterngen serves colour patches to a pattern generator
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/RomanHargrave/displaycal-sub006"
	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/protocol"
	"github.com/RomanHargrave/displaycal-sub006/protocol/frame"
	"github.com/RomanHargrave/displaycal-sub006/protocol/resolve"
	"github.com/RomanHargrave/displaycal-sub006/protocol/webdisp"
)

var (
	flagTimeout          time.Duration
	flagHandshakeTimeout time.Duration
	flagPollInterval     time.Duration
	flagLogLevel         string
	flagBits             int
	flagVideoLevels      bool
	flagWatch            string

	flagHost        string
	flagResolvePort int
	flagWebdispPort int
	flagCM          bool
	flagDebug       bool
	flagLibrary     string

	logger = logrus.New()
	app    = &cobra.Command{
		Use:   `patterngen`,
		Short: `serve colour patches to a pattern generator`,
		Long: `Reads patches from stdin, one per line: R G B [BR BG BB [X Y W H]], ` +
			`all values in [0,1]. With --watch, the last line of a file is shown ` +
			`whenever the file changes.`,
		PersistentPreRun: func(c *cobra.Command, args []string) {
			setLogger()
		},
	}

	cmdResolve = &cobra.Command{
		Use:   `resolve`,
		Short: `listen for Resolve`,
		Run:   runResolve,
	}

	cmdWebdisp = &cobra.Command{
		Use:   `webdisp`,
		Short: `serve the browser pattern generator`,
		Run:   runWebdisp,
	}

	cmdCcast = &cobra.Command{
		Use:   `ccast <name>`,
		Short: `drive the cast receiver with friendly name <name>`,
		Run:   runCcast,
	}

	cmdMadtpg = &cobra.Command{
		Use:   `madtpg`,
		Short: `drive the madVR test pattern generator`,
		Run:   runMadtpg,
	}

	cmdDecode = &cobra.Command{
		Use:   `decode <file>`,
		Short: `decode a Resolve calibration message, raw or framed`,
		Run:   decode,
	}

	cmdGenerateBashComp = &cobra.Command{
		Use:   `bashcomp <filename>`,
		Short: "generate bash completion at <file>",
		Run:   generateBashComp,
	}

	cmdGenerateDocs = &cobra.Command{
		Use:   `docs <path>`,
		Short: "generate markdown documentation at <path>",
		Run:   generateDocs,
	}
)

func init() {
	patterngen.SetLogger(logger)

	app.PersistentFlags().DurationVarP(&flagTimeout, `timeout`, `t`, common.DefaultTimeout, `timeout for discovery and connect attempts`)
	app.PersistentFlags().DurationVar(&flagHandshakeTimeout, `handshake-timeout`, common.DefaultHandshakeTimeout, `time a found peer has to become ready`)
	app.PersistentFlags().DurationVarP(&flagPollInterval, `poll-interval`, `p`, common.DefaultPollInterval, `interval at which waits check for interruption`)
	app.PersistentFlags().StringVarP(&flagLogLevel, `log-level`, `L`, `info`, `log level, one of: [debug,info,warn,error]`)
	app.PersistentFlags().IntVarP(&flagBits, `bits`, `b`, 0, `quantization bit depth, 0 for the adapter default`)
	app.PersistentFlags().BoolVarP(&flagVideoLevels, `video-levels`, `V`, false, `use studio range codes`)
	app.PersistentFlags().StringVarP(&flagWatch, `watch`, `w`, ``, `show the last patch in <file> whenever it changes`)

	for _, c := range []*cobra.Command{cmdResolve, cmdWebdisp, cmdCcast} {
		c.Flags().StringVarP(&flagHost, `host`, `H`, ``, `address to listen on or connect to`)
	}
	cmdResolve.Flags().IntVarP(&flagResolvePort, `port`, `P`, resolve.DefaultPort, `port to listen on`)
	cmdResolve.Flags().BoolVar(&flagCM, `cm`, false, `speak the 10 bit CM dialect`)
	cmdWebdisp.Flags().IntVarP(&flagWebdispPort, `port`, `P`, webdisp.DefaultPort, `port to serve on`)
	cmdWebdisp.Flags().BoolVar(&flagDebug, `debug`, false, `mount the /debug/ routes`)
	cmdMadtpg.Flags().StringVar(&flagLibrary, `library`, ``, `control library path, found in the registry when empty`)

	app.AddCommand(cmdResolve)
	app.AddCommand(cmdWebdisp)
	app.AddCommand(cmdCcast)
	app.AddCommand(cmdMadtpg)
	app.AddCommand(cmdDecode)
	app.AddCommand(cmdGenerateBashComp)
	app.AddCommand(cmdGenerateDocs)
}

func main() {
	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

func runResolve(c *cobra.Command, args []string) {
	kind := `resolve-ls`
	if flagCM {
		kind = `resolve-cm`
	}
	serve(kind, common.Descriptor{Host: flagHost, Port: flagResolvePort})
}

func runWebdisp(c *cobra.Command, args []string) {
	serve(`webdisp`, common.Descriptor{Host: flagHost, Port: flagWebdispPort})
}

func runCcast(c *cobra.Command, args []string) {
	if len(args) != 1 && flagHost == `` {
		c.Usage()
		fmt.Println()
		logger.Fatalln(`Missing receiver name`)
	}
	desc := common.Descriptor{Host: flagHost}
	if len(args) > 0 {
		desc.Name = args[0]
	}
	serve(`ccast`, desc)
}

func runMadtpg(c *cobra.Command, args []string) {
	serve(`madtpg`, common.Descriptor{Handle: flagLibrary})
}

// serve waits for the peer, then sends patches until input ends or the
// process is interrupted
func serve(kind string, desc common.Descriptor) {
	cfg := protocol.Config{
		Timeouts: common.Timeouts{Connect: flagTimeout, Handshake: flagHandshakeTimeout, Poll: flagPollInterval},
		Debug:    flagDebug,
	}
	gen, err := patterngen.Open(kind, desc, cfg)
	if err != nil {
		logger.WithField(`error`, err).Fatalln(`Failed initializing generator`)
	}
	gen.SetProfile(common.Profile{Bits: flagBits, VideoLevels: flagVideoLevels})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		gen.Cancel()
	}()

	if sub, err := gen.NewSubscription(); err == nil {
		go logEvents(sub)
	}

	status := func() string {
		return gen.Status(nil)
	}
	defer func() {
		if err := gen.Disconnect(); err != nil {
			logger.WithField(`error`, err).Warnln(`Failed disconnecting`)
		}
		logger.WithField(`status`, status()).Infoln(`Done`)
	}()

	logger.WithField(`adapter`, kind).Infoln(`Waiting for peer`)
	if err := gen.Wait(ctx); err != nil {
		if common.KindOf(err) == common.Cancelled || errors.Is(err, common.ErrClosed) {
			return
		}
		logger.WithFields(logrus.Fields{`status`: status(), `error`: err}).Errorln(`Wait failed`)
		return
	}

	send := func(p common.Patch) error {
		logger.WithFields(logrus.Fields{
			`foreground`: p.Foreground,
			`background`: p.Background,
			`geometry`:   p.Geometry,
		}).Debugln(`Sending patch`)
		return gen.Send(p, common.Profile{})
	}
	if flagWatch != `` {
		err = watchPatches(ctx, flagWatch, send)
	} else {
		err = readPatches(ctx, os.Stdin, send)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{`status`: status(), `error`: err}).Errorln(`Stopped sending`)
	}
}

func logEvents(sub *common.Subscription) {
	for event := range sub.Events() {
		switch e := event.(type) {
		case common.EventStateChange:
			logger.WithFields(logrus.Fields{`from`: e.From, `to`: e.To}).Debugln(`State changed`)
		case common.EventPeerAttached:
			logger.WithField(`peer`, e.Peer).Infoln(`Peer attached`)
		}
	}
}

func decode(c *cobra.Command, args []string) {
	if len(args) != 1 {
		c.Usage()
		fmt.Println()
		logger.Fatalln(`Missing filename`)
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		logger.WithFields(logrus.Fields{
			`filename`: args[0],
			`error`:    err,
		}).Fatalln(`Could not read file`)
	}
	if len(b) > 0 && b[0] != '<' {
		if b, err = frame.Read(bytes.NewReader(b), 0); err != nil {
			logger.WithField(`error`, err).Fatalln(`Could not read frame`)
		}
	}
	d, dialect, err := resolve.Decode(b)
	if err != nil {
		logger.WithField(`error`, err).Fatalln(`Could not decode message`)
	}
	printDocument(os.Stdout, d, dialect)
}

func printDocument(w io.Writer, d resolve.Document, dialect resolve.Dialect) {
	fmt.Fprintf(w, "dialect:    %v\n", dialect)
	if d.Bits > 0 {
		fmt.Fprintf(w, "bits:       %d\n", d.Bits)
	}
	fmt.Fprintf(w, "foreground: %v\n", d.Foreground)
	fmt.Fprintf(w, "background: %v\n", d.Background)
	fmt.Fprintf(w, "geometry:   x=%g y=%g w=%g h=%g\n", d.Geometry.X, d.Geometry.Y, d.Geometry.W, d.Geometry.H)
}

func generateBashComp(c *cobra.Command, args []string) {
	if len(args) != 1 {
		c.Usage()
		fmt.Println()
		logger.Fatalln(`Missing filename`)
	}

	buf := new(bytes.Buffer)
	f, err := os.Create(args[0])
	if err != nil {
		logger.WithFields(logrus.Fields{
			`filename`: args[0],
			`error`:    err,
		}).Fatalln(`Could not open file`)
	}
	defer f.Close()
	app.GenBashCompletion(buf)
	buf.WriteTo(f)
}

func generateDocs(c *cobra.Command, args []string) {
	if len(args) != 1 {
		c.Usage()
		fmt.Println()
		logger.Fatalln(`Missing output path`)
	}

	path := args[0]
	if path[len(path)-1] != os.PathSeparator {
		path += string(os.PathSeparator)
	}
	if err := doc.GenMarkdownTree(app, path); err != nil {
		logger.WithField(`error`, err).Fatalln(`Could not generate docs`)
	}
}

func setLogger() {
	switch flagLogLevel {
	case `debug`:
		logger.Level = logrus.DebugLevel
	case `info`:
		logger.Level = logrus.InfoLevel
	case `warn`:
		logger.Level = logrus.WarnLevel
	case `error`:
		logger.Level = logrus.ErrorLevel
	default:
		logger.Level = logrus.InfoLevel
	}
}
