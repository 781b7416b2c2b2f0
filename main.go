/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
/*
	bookie: single-node append-only ledger storage server
*/
package main

import "flag"
import "fmt"
import "os"
import "os/signal"
import "syscall"

import "github.com/dc0d/onexit"
import "github.com/pkg/errors"

import "github.com/launix-de/bookie/meta"
import "github.com/launix-de/bookie/storage"

func main() {
	fmt.Print(`bookie Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)
	configFile := flag.String("config", "settings.json", "path to settings.json")
	doFormat := flag.Bool("format", false, "wipe the journal and ledger dirs, then exit")
	force := flag.Bool("force", false, "format without confirmation")
	flag.Parse()

	settings, err := storage.ReadSettings(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(storage.ExitInvalidConf)
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(storage.ExitInvalidConf)
	}

	if *doFormat {
		done, err := storage.Format(&settings, true, *force)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(storage.ExitBookieError)
		}
		if !done {
			fmt.Println("format aborted")
			os.Exit(storage.ExitBookieError)
		}
		fmt.Println("formatted")
		os.Exit(storage.ExitOK)
	}

	// The metadata collaborator is pluggable; the in-process store
	// serves single-node deployments.
	ms := meta.NewMemStore()

	bookie, err := storage.NewBookie(settings, ms)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case errors.Is(err, storage.ErrInvalidCookie):
			os.Exit(storage.ExitInvalidCookie)
		case errors.Is(err, storage.ErrMetadata):
			os.Exit(storage.ExitMetaRegFailed)
		default:
			os.Exit(storage.ExitBookieError)
		}
	}
	onexit.Register(func() { bookie.Shutdown(storage.ExitOK) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		bookie.Shutdown(storage.ExitOK)
	}()

	os.Exit(bookie.Wait())
}
