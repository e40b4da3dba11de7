package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// assetManifest 对应 YAML 资源清单文件：
//
//	assets:
//	  - ./index.html
//	  - /manifest.json
type assetManifest struct {
	Assets []string `yaml:"assets"`
}

// LoadAssetManifest 读取 YAML 资源清单并返回去除空白后的条目。
func LoadAssetManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资源清单失败: %w", err)
	}

	var manifest assetManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("解析资源清单失败: %w", err)
	}

	assets := make([]string, 0, len(manifest.Assets))
	for _, entry := range manifest.Assets {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			assets = append(assets, trimmed)
		}
	}
	return assets, nil
}
