package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/imgsearch"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/loaderimg"
	"sysbuilder/internal/sysbuild"
	"sysbuilder/internal/sysxml"
)

// searchPaths collects a repeatable --search-path flag into an ordered
// list of directories to try in turn.
type searchPaths []string

func (s *searchPaths) String() string { return fmt.Sprint([]string(*s)) }

func (s *searchPaths) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// platformPageSizes is the page-size table every board supports,
// independent of architecture (original_source's arch_get_page_sizes
// returns this same (4 KiB, 2 MiB) pair for every architecture).
var platformPageSizes = sysxml.PlatformPageSizes{Sizes: []uint64{0x1_000, 0x200_000}}

func main() {
	var (
		output  = flag.String("o", "loader.img", "output image filename")
		report  = flag.String("r", "report.txt", "report filename")
		board   = flag.String("board", "", "target board (required)")
		config  = flag.String("config", "", "build configuration (required)")
		verbose = flag.Bool("v", false, "verbose mode (log every bootstrap/system invocation)")
	)
	flag.StringVar(output, "output", "loader.img", "output image filename")
	flag.StringVar(report, "report", "report.txt", "report filename")
	var paths searchPaths
	flag.Var(&paths, "search-path", "additional directory to search for program images (repeatable)")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *board == "" || *config == "" {
		fmt.Fprintln(os.Stderr, "Error: --board and --config are required")
		os.Exit(1)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one system description argument is required")
		os.Exit(1)
	}
	systemPath := flag.Arg(0)

	if err := run(systemPath, *output, *report, *board, *config, paths); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(systemPath, output, report, board, config string, extraSearchPaths []string) error {
	fs := afero.NewOsFs()

	sdkRoot, err := resolveSDKRoot()
	if err != nil {
		return err
	}
	layout, err := resolveLayout(fs, sdkRoot, board, config)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(fs, layout.ConfigJSON)
	if err != nil {
		return err
	}

	system, err := sysxml.ParseSystem(fs, systemPath, platformPageSizes)
	if err != nil {
		return err
	}

	loaderELF, err := elfmodel.Parse(fs, layout.LoaderELF)
	if err != nil {
		return builderr.Wrap(builderr.Resource, err, "reading loader ELF %s", layout.LoaderELF)
	}
	kernelELF, err := elfmodel.Parse(fs, layout.KernelELF)
	if err != nil {
		return builderr.Wrap(builderr.Resource, err, "reading kernel ELF %s", layout.KernelELF)
	}
	monitorELF, err := elfmodel.Parse(fs, layout.MonitorELF)
	if err != nil {
		return builderr.Wrap(builderr.Resource, err, "reading monitor ELF %s", layout.MonitorELF)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return builderr.Wrap(builderr.Resource, err, "resolving current directory")
	}
	searcher := imgsearch.New(cwd, extraSearchPaths)

	pdELFs := make(map[string]*elfmodel.File, len(system.ProtectionDomains))
	vmImages := make(map[string][]byte)
	vmDeviceTrees := make(map[string][]byte)
	for _, pd := range system.ProtectionDomains {
		path, err := searcher.Find(pd.ProgramImage)
		if err != nil {
			return err
		}
		f, err := elfmodel.Parse(fs, path)
		if err != nil {
			return builderr.Wrap(builderr.Resource, err, "reading protection domain image %s", path)
		}
		pdELFs[pd.Name] = f

		if pd.VM != nil {
			imgPath, err := searcher.Find(pd.VM.ProgramImage)
			if err != nil {
				return err
			}
			data, err := afero.ReadFile(fs, imgPath)
			if err != nil {
				return builderr.Wrap(builderr.Resource, err, "reading virtual machine image %s", imgPath)
			}
			vmImages[pd.VM.Name] = data

			if pd.VM.DeviceTree != "" {
				dtPath, err := searcher.Find(pd.VM.DeviceTree)
				if err != nil {
					return err
				}
				dtData, err := afero.ReadFile(fs, dtPath)
				if err != nil {
					return builderr.Wrap(builderr.Resource, err, "reading device tree %s", dtPath)
				}
				vmDeviceTrees[pd.VM.Name] = dtData
			}
		}
	}

	built, err := sysbuild.Converge(sysbuild.Input{
		Config:        cfg,
		System:        system,
		KernelELF:     kernelELF,
		MonitorELF:    monitorELF,
		PDELFs:        pdELFs,
		VMImages:      vmImages,
		VMDeviceTrees: vmDeviceTrees,
	})
	if err != nil {
		return err
	}

	var invocationData []byte
	for _, inv := range built.SystemInvocations {
		invocationData = append(invocationData, kobject.Encode(inv)...)
	}
	regions := append([]loaderimg.Region{{
		PhysAddr: built.ReservedRegion.Base,
		Data:     invocationData,
	}}, toLoaderRegions(built.Regions)...)

	if err := loaderimg.Format(fs, loaderimg.Input{
		Config:              cfg,
		LoaderELF:           loaderELF,
		KernelELF:           kernelELF,
		MonitorELF:          monitorELF,
		InitialTaskPhysBase: built.InitialTaskPhysRegion.Base,
		ReservedRegion:      built.ReservedRegion,
		Regions:             regions,
	}, output); err != nil {
		return err
	}

	return writeReport(fs, report, built)
}

func toLoaderRegions(rs []sysbuild.Region) []loaderimg.Region {
	out := make([]loaderimg.Region, len(rs))
	for i, r := range rs {
		out[i] = loaderimg.Region{PhysAddr: r.Addr, Data: r.Data}
	}
	return out
}
