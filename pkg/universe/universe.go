// Package universe assembles loaders, the lifecycle controller and the
// initializer interpreter into one runnable class space.
package universe

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/linkvm/pkg/archive"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/config"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/lifecycle"
	"github.com/daimatz/linkvm/pkg/loader"
	"github.com/daimatz/linkvm/pkg/logging"
	"github.com/daimatz/linkvm/pkg/native"
	"github.com/daimatz/linkvm/pkg/rewriter"
	"github.com/daimatz/linkvm/pkg/safepoint"
	"github.com/daimatz/linkvm/pkg/thread"
	"github.com/daimatz/linkvm/pkg/verifier"
	"github.com/daimatz/linkvm/pkg/vm"
)

var plog = logger.GetLogger("class/load")

// AppLoaderName names the application class loader.
const AppLoaderName = "app"

// Options adds sources and redirects output, mostly for tests.
type Options struct {
	// Stdout receives System.out. Defaults to os.Stdout.
	Stdout io.Writer
	// BootSources and AppSources are searched before the configured jmod
	// and class path.
	BootSources []loader.Source
	AppSources  []loader.Source
}

// Universe is a boot and an application loader sharing one system
// dictionary, controller and interpreter.
type Universe struct {
	Config     *config.Config
	Dictionary *loader.Dictionary
	Boot       *loader.Loader
	App        *loader.Loader
	Controller *lifecycle.Controller
	VM         *vm.VM
	Metrics    *metrics.Set
	// Archive is the restored snapshot image, if one was configured.
	Archive *archive.Image
	// Main is the thread the convenience methods run on.
	Main *thread.Thread
}

// New builds a universe from cfg.
func New(cfg *config.Config, opts Options) (*Universe, error) {
	if err := logging.Init(cfg.LogLevel); err != nil {
		return nil, err
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	u := &Universe{
		Config:     cfg,
		Dictionary: loader.NewDictionary(),
		Metrics:    metrics.NewSet(),
	}
	sp := safepoint.New()
	threads := thread.NewRegistry()
	u.VM = vm.New(vm.Options{
		Resolver:  u.Dictionary,
		Safepoint: sp,
		Env:       &native.Env{Stdout: stdout},
	})
	u.Controller = lifecycle.New(lifecycle.Options{
		Verifier:    verifier.New(cfg.VerifyLocal, cfg.VerifyRemote),
		Initializer: u.VM,
		Rewriter: rewriter.New(rewriter.Options{
			StressRewriter:     cfg.StressRewriter,
			RegisterFinalizers: cfg.RegisterFinalizers,
		}),
		Safepoint: sp,
		Threads:   threads,
		Metrics:   u.Metrics,
		Replace:   u.Dictionary.Replace,
	})
	u.VM.SetInitializer(u.Controller)

	boot := append([]loader.Source(nil), opts.BootSources...)
	app := append([]loader.Source(nil), opts.AppSources...)
	if cfg.Archive != "" {
		im, err := archive.ReadFile(cfg.Archive)
		if err != nil {
			return nil, err
		}
		u.Archive = im
		src := archive.NewSource(im)
		boot = append([]loader.Source{src.Only(verifier.BootLoaderName)}, boot...)
		app = append([]loader.Source{src.Only(AppLoaderName)}, app...)
	}
	if cfg.Jmod != "" {
		boot = append(boot, loader.NewJmodSource(cfg.Jmod))
	} else {
		plog.Warningf("no java.base.jmod configured; the boot loader only sees archived and built-in classes")
	}
	if len(cfg.ClassPath) > 0 {
		app = append(app, &loader.DirSource{Dirs: cfg.ClassPath})
	}

	u.Boot = loader.New(u.Dictionary, u.Controller, loader.Options{
		Name:      verifier.BootLoaderName,
		ChunkSize: cfg.ArenaChunkSize,
		Sources:   boot,
	})
	u.App = loader.New(u.Dictionary, u.Controller, loader.Options{
		Name:      AppLoaderName,
		Parent:    u.Boot,
		ChunkSize: cfg.ArenaChunkSize,
		Sources:   app,
	})
	u.Main = threads.Attach("main")
	return u, nil
}

// Load loads name through the application loader.
func (u *Universe) Load(name string) (*klass.Klass, error) {
	return u.App.LoadClass(u.Main, name)
}

// Link loads and links name.
func (u *Universe) Link(name string) (*klass.Klass, error) {
	k, err := u.Load(name)
	if err != nil {
		return nil, err
	}
	return k, u.Controller.Link(u.Main, k)
}

// Initialize loads, links and initializes name.
func (u *Universe) Initialize(name string) (*klass.Klass, error) {
	k, err := u.Load(name)
	if err != nil {
		return nil, err
	}
	return k, u.Controller.Initialize(u.Main, k)
}

// InitializeConcurrently initializes name from n threads at once. Every
// thread must observe the class fully initialized, or the same failure.
func (u *Universe) InitializeConcurrently(ctx context.Context, name string, n int) (*klass.Klass, error) {
	k, err := u.Load(name)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t := u.Controller.Threads().Attach(fmt.Sprintf("init-%d", i))
			defer u.Controller.Threads().Detach(t)
			if err := u.Controller.Initialize(t, k); err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			return nil
		})
	}
	return k, g.Wait()
}

// Redefine replaces the loaded class name with the class file data.
func (u *Universe) Redefine(name string, data []byte) (*klass.Klass, error) {
	old, err := u.Load(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("redefine %s: %w", name, err)
	}
	return u.Controller.Redefine(u.Main, old, cf)
}

// Dump links every class of list and returns a snapshot of them.
func (u *Universe) Dump(list *archive.ClassList) (*archive.Image, error) {
	return archive.Dump(u.Main, u.App, u.Controller, list)
}

// Classes returns the classes defined by the boot and application loaders.
func (u *Universe) Classes() []*klass.Klass {
	return append(u.Boot.Data().Classes(), u.App.Data().Classes()...)
}

// WriteMetrics writes the universe's counters in Prometheus text format.
func (u *Universe) WriteMetrics(w io.Writer) {
	u.Metrics.WritePrometheus(w)
}
