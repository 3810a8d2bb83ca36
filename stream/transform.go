package stream

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/5amCurfew/xtap/models"
	util "github.com/5amCurfew/xtap/util"
	log "github.com/sirupsen/logrus"
)

// transformRecord drops and hashes the configured field paths in place
func transformRecord(def models.StreamDefinition, record map[string]interface{}) {
	for _, path := range def.DropFieldPaths {
		util.DropFieldAtPath(path, record)
	}

	for _, path := range def.SensitiveFieldPaths {
		fieldValue := util.GetValueAtPath(path, record)
		if fieldValue == nil {
			log.WithFields(log.Fields{
				"stream":               def.TapStreamID,
				"sensitive_field_path": path,
			}).Debug("field path not found in record for hashing (sensitive fields)")
			continue
		}
		hash := sha256.Sum256([]byte(util.ToString(fieldValue)))
		util.SetValueAtPath(path, record, hex.EncodeToString(hash[:]))
	}
}
