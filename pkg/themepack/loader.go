package themepack

import (
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// Pack directory layout: one directory per pack under the content root.
// pack.yaml is required; the remaining files are optional lists.
const (
	metaFile      = "pack.yaml"
	charsFile     = "characters.yaml"
	threadsFile   = "threads.yaml"
	beatsFile     = "beats.yaml"
	gatesFile     = "gates.yaml"
	evidenceFile  = "evidence.yaml"
	variablesFile = "variables.yaml"
	objectsFile   = "objects.yaml"
	factionsFile  = "factions.yaml"
)

// loadPack reads one pack directory from the given filesystem.
func loadPack(fsys fs.FS, dir string) (*Pack, error) {
	p := &Pack{
		Characters:    map[string]*Character{},
		Threads:       map[string]*Thread{},
		Beats:         map[string]*BeatTemplate{},
		Gates:         map[string]*GateTemplate{},
		EvidenceTypes: map[string]*EvidenceType{},
		Variables:     map[string]*WorldVarDef{},
		Objects:       map[string]*KeyObject{},
		Factions:      map[string]*Faction{},
	}

	if err := readYAML(fsys, dir, metaFile, &p.Meta); err != nil {
		return nil, fmt.Errorf("read pack metadata: %w", err)
	}
	if p.Meta.ID == "" {
		return nil, fmt.Errorf("pack %s: pack.yaml missing id", dir)
	}

	var characters []*Character
	if err := readOptionalYAML(fsys, dir, charsFile, &characters); err != nil {
		return nil, err
	}
	for _, c := range characters {
		p.Characters[c.ID] = c
	}

	var threads []*Thread
	if err := readOptionalYAML(fsys, dir, threadsFile, &threads); err != nil {
		return nil, err
	}
	for _, t := range threads {
		p.Threads[t.ID] = t
	}

	var beats []*BeatTemplate
	if err := readOptionalYAML(fsys, dir, beatsFile, &beats); err != nil {
		return nil, err
	}
	for _, b := range beats {
		p.Beats[b.ID] = b
	}

	var gates []*GateTemplate
	if err := readOptionalYAML(fsys, dir, gatesFile, &gates); err != nil {
		return nil, err
	}
	for _, g := range gates {
		p.Gates[g.ID] = g
	}

	var evidenceTypes []*EvidenceType
	if err := readOptionalYAML(fsys, dir, evidenceFile, &evidenceTypes); err != nil {
		return nil, err
	}
	for _, e := range evidenceTypes {
		p.EvidenceTypes[e.ID] = e
	}

	var variables []*WorldVarDef
	if err := readOptionalYAML(fsys, dir, variablesFile, &variables); err != nil {
		return nil, err
	}
	for _, v := range variables {
		p.Variables[v.ID] = v
	}

	var objects []*KeyObject
	if err := readOptionalYAML(fsys, dir, objectsFile, &objects); err != nil {
		return nil, err
	}
	for _, o := range objects {
		p.Objects[o.ID] = o
	}

	var factions []*Faction
	if err := readOptionalYAML(fsys, dir, factionsFile, &factions); err != nil {
		return nil, err
	}
	for _, f := range factions {
		p.Factions[f.ID] = f
	}

	return p, nil
}

func readYAML(fsys fs.FS, dir, name string, out any) error {
	data, err := fs.ReadFile(fsys, dir+"/"+name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s/%s: %w", dir, name, err)
	}
	return nil
}

func readOptionalYAML(fsys fs.FS, dir, name string, out any) error {
	data, err := fs.ReadFile(fsys, dir+"/"+name)
	if err != nil {
		// Optional file; absence is fine.
		return nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s/%s: %w", dir, name, err)
	}
	return nil
}
