/*
 * Copyright 2021-present by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package module

import (
	"fmt"

	"github.com/pkg/errors"
	peparser "github.com/saferwall/pe"
	peparserlog "github.com/saferwall/pe/log"
	log "github.com/sirupsen/logrus"

	"github.com/boresic/grapple/pkg/va"
)

func newParserOpts() *peparser.Options {
	return &peparser.Options{
		DisableCertValidation:     true,
		OmitIATDirectory:          true,
		OmitSecurityDirectory:     true,
		OmitExceptionDirectory:    true,
		OmitTLSDirectory:          true,
		OmitCLRHeaderDirectory:    true,
		OmitCLRMetadata:           true,
		OmitDelayImportDirectory:  true,
		OmitBoundImportDirectory:  true,
		OmitArchitectureDirectory: true,
		OmitDebugDirectory:        true,
		OmitRelocDirectory:        true,
		OmitResourceDirectory:     true,
		OmitImportDirectory:       true,
		OmitExportDirectory:       false,
		OmitLoadConfigDirectory:   true,
		OmitGlobalPtrDirectory:    true,
		Logger:                    &parserLogger{},
	}
}

// parserLogger routes PE parser logs to logrus.
type parserLogger struct{}

func (l parserLogger) Log(level peparserlog.Level, keyvals ...interface{}) error {
	switch level {
	case peparserlog.LevelDebug:
		log.Debug(keyvals[1:]...)
	case peparserlog.LevelWarn:
		log.Warn(keyvals[1:]...)
	case peparserlog.LevelError, peparserlog.LevelFatal:
		log.Error(keyvals[1:]...)
	default:
		log.Info(keyvals[1:]...)
	}
	return nil
}

// Exports reads the export directory of the module image file and returns
// the named exports keyed by symbol name, with values resolved against the
// module load address. Forwarded exports are skipped since they carry no
// address in this image.
func (m Module) Exports() (map[string]va.Address, error) {
	pe, err := peparser.New(m.Path, newParserOpts())
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open image %s", m.Path)
	}
	defer pe.Close()
	if err := pe.ParseDOSHeader(); err != nil {
		return nil, errors.Wrapf(err, "couldn't parse DOS header of %s", m.Path)
	}
	if err := pe.ParseNTHeader(); err != nil {
		return nil, errors.Wrapf(err, "couldn't parse NT header of %s", m.Path)
	}
	if err := pe.ParseDataDirectories(); err != nil {
		return nil, errors.Wrapf(err, "couldn't parse data directories of %s", m.Path)
	}
	exports := make(map[string]va.Address, len(pe.Export.Functions))
	for _, exp := range pe.Export.Functions {
		if exp.Name == "" || exp.Forwarder != "" {
			continue
		}
		exports[exp.Name] = m.Base.Inc(uint64(exp.FunctionRVA))
	}
	return exports, nil
}

// ExportAddress resolves a single named export to its address in the
// target process.
func (m Module) ExportAddress(name string) (va.Address, error) {
	exports, err := m.Exports()
	if err != nil {
		return 0, err
	}
	addr, ok := exports[name]
	if !ok {
		return 0, fmt.Errorf("export %q not found in %s", name, m.Name)
	}
	return addr, nil
}
