// Package cli contains the camcal command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	configFlag      = "config"
	debugFlag       = "debug"
	logFileFlag     = "log-file"
	inputFlag       = "input"
	outputFlag      = "output"
	globFlag        = "glob"
	modelFlag       = "model"
	pickSizeFlag    = "pick-size"
	saltFlag        = "salt"
	balanceFlag     = "balance"
	rowsFlag        = "rows"
	colsFlag        = "cols"
	squarePxFlag    = "square-px"
	marginPxFlag    = "margin-px"
	countFlag       = "count"
	intervalFlag    = "interval"
	stereoFlag      = "stereo"
	calibrationFlag = "calibration"
	sourceFlag      = "source"
	solverFlag      = "solver"
)

// NewApp returns a new app with the camcal commands, Writer set to out, and ErrWriter set to
// errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "camcal",
		Usage:           "calibrate cameras from chessboard images and rectify their video",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Metadata:        map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Aliases: []string{"c"},
				Usage:   "load the calibration job from `FILE`",
			},
			&cli.BoolFlag{
				Name:    debugFlag,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  logFileFlag,
				Usage: "also write logs to a rotating `FILE`",
			},
		},
		Before: setupLogger,
		After:  syncLogger,
		Commands: []*cli.Command{
			{
				Name:  "board",
				Usage: "write a printable chessboard image",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: rowsFlag, Usage: "internal corners per column", Value: 6},
					&cli.IntFlag{Name: colsFlag, Usage: "internal corners per row", Value: 9},
					&cli.IntFlag{Name: squarePxFlag, Usage: "square side in pixels", Value: 100},
					&cli.IntFlag{Name: marginPxFlag, Usage: "white margin in pixels", Value: 50},
					&cli.StringFlag{Name: outputFlag, Usage: "PNG `FILE` to write", Value: "board.png"},
				},
				Action: BoardAction,
			},
			{
				Name:  "collect",
				Usage: "detect the chessboard in a folder of images and save the image points",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: inputFlag, Usage: "image folder, overrides input_folder"},
					&cli.StringFlag{Name: globFlag, Usage: "image file pattern", Value: "*.jpg"},
					&cli.StringFlag{Name: outputFlag, Usage: "sample `FILE`, overrides image_points_file"},
				},
				Action: CollectAction,
			},
			{
				Name:  "capture-stereo",
				Usage: "save left/right pairs from the live rig whenever both eyes see the board",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: outputFlag, Usage: "capture folder, overrides input_folder"},
					&cli.IntFlag{Name: countFlag, Usage: "stop after this many pairs", Value: 60},
					&cli.DurationFlag{Name: intervalFlag, Usage: "minimum time between saved pairs", Value: defaultCaptureInterval},
				},
				Action: CaptureStereoAction,
			},
			{
				Name:  "collect-video",
				Usage: "save the frames of a recording or a live camera that show the chessboard",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: sourceFlag, Usage: "device index, stream URL or video file", Required: true},
					&cli.StringFlag{Name: outputFlag, Usage: "capture folder, overrides input_folder"},
					&cli.IntFlag{Name: countFlag, Usage: "stop a live source after this many frames", Value: 60},
					&cli.DurationFlag{Name: intervalFlag, Usage: "minimum time between frames saved from a live source", Value: defaultCaptureInterval},
				},
				Action: CollectVideoAction,
			},
			{
				Name:  "calibrate",
				Usage: "solve a single camera from its image points",
				Flags: append(solveFlags(),
					&cli.StringFlag{Name: inputFlag, Usage: "sample `FILE`, overrides image_points_file"},
					&cli.StringFlag{Name: outputFlag, Usage: "calibration `FILE`, overrides calibration_file"},
				),
				Action: CalibrateAction,
			},
			{
				Name:  "calibrate-stereo",
				Usage: "solve a stereo rig from paired captures",
				Flags: append(solveFlags(),
					&cli.StringFlag{Name: inputFlag, Usage: "paired capture folder, overrides input_folder"},
					&cli.StringFlag{Name: outputFlag, Usage: "stereo calibration `FILE`, overrides stereo_calibration_file"},
				),
				Action: CalibrateStereoAction,
			},
			{
				Name:  "undistort",
				Usage: "rectify a folder of images, or of left/right pairs, with a saved calibration",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: stereoFlag, Usage: "rectify left_*.jpg/right_*.jpg pairs with a stereo calibration"},
					&cli.StringFlag{Name: calibrationFlag, Usage: "calibration `FILE`, overrides calibration_file or stereo_calibration_file"},
					&cli.StringFlag{Name: inputFlag, Usage: "image folder, overrides input_folder"},
					&cli.StringFlag{Name: globFlag, Usage: "image file pattern", Value: "*.jpg"},
					&cli.StringFlag{Name: outputFlag, Usage: "folder for the rectified images", Required: true},
					&cli.Float64Flag{Name: balanceFlag, Usage: "0 keeps only valid pixels, 1 keeps the whole view, overrides balance"},
				},
				Action: UndistortAction,
			},
			{
				Name:      "show",
				Usage:     "print a calibration file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: stereoFlag, Usage: "the file holds a stereo calibration"},
				},
				Action: ShowAction,
			},
		},
	}
}

func solveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: modelFlag, Usage: "pinhole or fisheye, overrides model"},
		&cli.IntFlag{Name: pickSizeFlag, Usage: "samples drawn for the solve, overrides pick_size"},
		&cli.Int64Flag{Name: saltFlag, Usage: "seed of the sample draw, overrides salt"},
		&cli.StringFlag{Name: solverFlag, Usage: "lm or newton, overrides solver"},
	}
}
